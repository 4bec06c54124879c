package claim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromScope(t *testing.T) {
	t.Run("directory items claim subtree", func(t *testing.T) {
		s := FromScope([]string{"internal/auth", "cmd/server/"})
		assert.ElementsMatch(t, Set{
			"cmd/server", "cmd/server/**",
			"internal/auth", "internal/auth/**",
		}, s)
	})

	t.Run("file items claim only themselves", func(t *testing.T) {
		s := FromScope([]string{"internal/auth/login.go"})
		assert.Equal(t, Set{"internal/auth/login.go"}, s)
	})

	t.Run("glob items pass through", func(t *testing.T) {
		s := FromScope([]string{"docs/**/*.md"})
		assert.Equal(t, Set{"docs/**/*.md"}, s)
	})

	t.Run("bare top-level directory with trailing slash", func(t *testing.T) {
		s := FromScope([]string{"src/"})
		assert.Equal(t, Set{"src", "src/**"}, s)
	})

	t.Run("identical top-level directory scopes overlap", func(t *testing.T) {
		a := FromScope([]string{"src/"})
		b := FromScope([]string{"src/"})
		assert.True(t, Overlaps(a, b))
	})

	t.Run("bare name without slash stays free text", func(t *testing.T) {
		assert.Empty(t, FromScope([]string{"src"}))
	})

	t.Run("free text claims nothing", func(t *testing.T) {
		s := FromScope([]string{"make the login flow faster", "UX polish"})
		assert.Empty(t, s)
	})

	t.Run("deduplicates", func(t *testing.T) {
		s := FromScope([]string{"internal/auth", "internal/auth"})
		assert.Equal(t, Set{"internal/auth", "internal/auth/**"}, s)
	})
}

func TestFromPlan(t *testing.T) {
	t.Run("missing plan claims nothing", func(t *testing.T) {
		assert.Empty(t, FromPlan(filepath.Join(t.TempDir(), "nope.md")))
	})

	t.Run("json files block", func(t *testing.T) {
		plan := "# Plan\n\n```json\n{\"files\": [\"internal/auth/token.go\", \"internal/auth/session.go\"]}\n```\n"
		path := filepath.Join(t.TempDir(), "AUTH-1.md")
		require.NoError(t, os.WriteFile(path, []byte(plan), 0o644))

		s := FromPlan(path)
		assert.Contains(t, s, "internal/auth/token.go")
		assert.Contains(t, s, "internal/auth/session.go")
	})

	t.Run("backtick path tokens", func(t *testing.T) {
		plan := "Touch `internal/auth/login.go` and leave `the UI` alone. Also `config.yaml`.\n"
		path := filepath.Join(t.TempDir(), "AUTH-1.md")
		require.NoError(t, os.WriteFile(path, []byte(plan), 0o644))

		s := FromPlan(path)
		assert.Contains(t, s, "internal/auth/login.go")
		assert.Contains(t, s, "config.yaml")
		assert.NotContains(t, s, "the UI")
	})
}

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Set
		want bool
	}{
		{
			name: "identical claims",
			a:    Set{"internal/auth"},
			b:    Set{"internal/auth"},
			want: true,
		},
		{
			name: "subtree vs file inside",
			a:    Set{"internal/auth/**"},
			b:    Set{"internal/auth/login.go"},
			want: true,
		},
		{
			name: "wider subtree vs narrower subtree",
			a:    Set{"internal/**"},
			b:    Set{"internal/auth/login.go"},
			want: true,
		},
		{
			name: "disjoint directories",
			a:    Set{"internal/auth", "internal/auth/**"},
			b:    Set{"web/ui", "web/ui/**"},
			want: false,
		},
		{
			name: "empty never overlaps",
			a:    nil,
			b:    Set{"internal/auth/**"},
			want: false,
		},
		{
			name: "glob vs glob on same tree",
			a:    Set{"docs/**/*.md"},
			b:    Set{"docs/**"},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.a, tt.b))
			assert.Equal(t, tt.want, Overlaps(tt.b, tt.a))
		})
	}
}

func TestPredict_CombinesSources(t *testing.T) {
	plan := "Edit `internal/auth/token.go`.\n"
	path := filepath.Join(t.TempDir(), "AUTH-1.md")
	require.NoError(t, os.WriteFile(path, []byte(plan), 0o644))

	s := Predict([]string{"internal/auth"}, path)
	assert.Contains(t, s, "internal/auth")
	assert.Contains(t, s, "internal/auth/**")
	assert.Contains(t, s, "internal/auth/token.go")
}
