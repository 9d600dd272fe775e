package skill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const earningsSkill = `---
name: earnings-review
description: How to review a quarterly earnings report
suggested_tools: [fetch_url]
---

1. Fetch the press release.
2. Compare revenue against guidance.
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestParse(t *testing.T) {
	s, err := Parse(earningsSkill)
	require.NoError(t, err)
	assert.Equal(t, "earnings-review", s.Name)
	assert.Equal(t, []string{"fetch_url"}, s.SuggestedTools)
	assert.Contains(t, s.Content, "Compare revenue")

	_, err = Parse("no front matter here")
	assert.Error(t, err)
	_, err = Parse("---\nname: [unterminated\n---\nbody")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		skill Skill
		field string
	}{
		{"missing name", Skill{Description: "d"}, "name"},
		{"missing description", Skill{Name: "n"}, "description"},
		{"whitespace", Skill{Name: "two words", Description: "d"}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.skill.Validate()
			var invalid ErrInvalidSkill
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}
	assert.NoError(t, (&Skill{Name: "ok", Description: "d"}).Validate())
}

func TestRegistryLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "earnings", "SKILL.md"), earningsSkill)
	writeFile(t, filepath.Join(dir, "macro.md"), "---\nname: macro\ndescription: Macro indicators\n---\nUse CPI.")
	writeFile(t, filepath.Join(dir, "broken.md"), "---\nname: broken\n---\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))

	reg := NewRegistry(nil)
	require.NoError(t, reg.LoadDir(dir))
	assert.Equal(t, 2, reg.Count())

	s, err := reg.Get("earnings-review")
	require.NoError(t, err)
	assert.Equal(t, "dir", s.Source)
	assert.Equal(t, filepath.Join(dir, "earnings", "SKILL.md"), s.FilePath)

	_, err = reg.Get("broken")
	var notFound ErrSkillNotFound
	assert.ErrorAs(t, err, &notFound)
	assert.ErrorIs(t, err, ErrSkillNotFound{})
	assert.ErrorIs(t, err, ErrSkillNotFound{Name: "broken"})
	assert.NotErrorIs(t, err, ErrSkillNotFound{Name: "macro"})

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "earnings-review", list[0].Name)
	assert.Equal(t, "- earnings-review: How to review a quarterly earnings report\n- macro: Macro indicators", reg.Descriptions())
}

func TestRegistryMissingDir(t *testing.T) {
	reg := NewRegistry(nil)
	assert.NoError(t, reg.LoadDir(filepath.Join(t.TempDir(), "nope")))
	assert.Zero(t, reg.Count())
}

func TestRender(t *testing.T) {
	s, err := Parse(earningsSkill)
	require.NoError(t, err)
	out := s.Render()
	assert.Contains(t, out, "# Skill: earnings-review")
	assert.Contains(t, out, "Suggested tools: fetch_url")
	assert.Contains(t, out, "Fetch the press release.")
}
