package templates

import (
	"encoding/xml"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialSQL(t *testing.T) {
	sql := string(InitialSQL())
	assert.True(t, strings.HasPrefix(sql, "-- Initial schema setup"))
	for _, line := range strings.Split(strings.TrimSpace(sql), "\n") {
		if line != "" {
			assert.True(t, strings.HasPrefix(line, "--"), "line %q must be a comment", line)
		}
	}
}

func TestInitialChangelog(t *testing.T) {
	out, err := InitialChangelog("42", `a "b" & c`)
	require.NoError(t, err)

	var doc struct {
		ChangeSets []struct {
			ID     string `xml:"id,attr"`
			Author string `xml:"author,attr"`
		} `xml:"changeSet"`
	}
	require.NoError(t, xml.Unmarshal(out, &doc))
	require.Len(t, doc.ChangeSets, 1)
	assert.Equal(t, "42", doc.ChangeSets[0].ID)
	assert.Equal(t, `a "b" & c`, doc.ChangeSets[0].Author)
}
