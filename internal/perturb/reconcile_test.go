package perturb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReconcile(t *testing.T) {
	subs := []Substitution{
		{Original: "Seattle", Replacement: "Austin", Category: CategoryLocation},
		{Original: "28", Replacement: "31", Category: CategoryAgeDate},
		{Original: "software engineer", Replacement: "backend developer", Category: CategoryProfession},
		{Original: "engineer", Replacement: "developer", Category: CategoryProfession},
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"basic", "Life in Seattle at 28 is hard.", "Life in Austin at 31 is hard."},
		{"case insensitive", "moving out of seattle", "moving out of Austin"},
		{"leading capital", "Software engineer burnout is common", "Backend developer burnout is common"},
		{"all caps", "SEATTLE rain", "AUSTIN rain"},
		{"longest first", "As a software engineer and an engineer", "As a backend developer and an developer"},
		{"word boundary", "Seattleite engineering 1280", "Seattleite engineering 1280"},
		{"punctuation", "(Seattle), 28!", "(Austin), 31!"},
		{"repeated", "Seattle, Seattle, Seattle", "Austin, Austin, Austin"},
		{"untouched", "nothing to change here", "nothing to change here"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Reconcile(tc.in, subs))
		})
	}
}

func TestReconcile_NoRescan(t *testing.T) {
	subs := []Substitution{
		{Original: "Seattle", Replacement: "Austin"},
		{Original: "Austin", Replacement: "Denver"},
	}
	assert.Equal(t, "Austin and Denver", Reconcile("Seattle and Austin", subs))
}

func TestReconcile_Deterministic(t *testing.T) {
	a := []Substitution{
		{Original: "New York", Replacement: "Chicago"},
		{Original: "York", Replacement: "Leeds"},
		{Original: "nurse", Replacement: "teacher"},
	}
	b := []Substitution{a[2], a[1], a[0]}
	in := "A nurse from New York visiting York"
	want := "A teacher from Chicago visiting Leeds"
	assert.Equal(t, want, Reconcile(in, a))
	assert.Equal(t, want, Reconcile(in, b))
}

func TestReconcile_UnspacedScript(t *testing.T) {
	subs := []Substitution{{Original: "北京", Replacement: "成都"}}
	assert.Equal(t, "我在成都工作", Reconcile("我在北京工作", subs))
}

func TestReconcile_Empty(t *testing.T) {
	assert.Equal(t, "", Reconcile("", []Substitution{{Original: "a", Replacement: "b"}}))
	assert.Equal(t, "text", Reconcile("text", nil))
	assert.Equal(t, "text", Reconcile("text", []Substitution{{Original: "", Replacement: "x"}}))
}

func TestFixLeaks(t *testing.T) {
	tests := []struct {
		name string
		text string
		subs []Substitution
		want string
	}{
		{
			name: "original inside its own replacement",
			text: "A web developer who used to be a developer.",
			subs: []Substitution{{Original: "developer", Replacement: "web developer"}},
			want: "A web developer who used to be a web developer.",
		},
		{
			name: "original inside another replacement",
			text: "Moved from Portland to Portland Heights",
			subs: []Substitution{
				{Original: "Portland", Replacement: "Denver"},
				{Original: "Maple Street", Replacement: "Portland Heights"},
			},
			want: "Moved from Denver to Portland Heights",
		},
		{
			name: "protected span keeps its casing",
			text: "Civil Engineer by trade",
			subs: []Substitution{{Original: "engineer", Replacement: "civil engineer"}},
			want: "Civil Engineer by trade",
		},
		{
			name: "replacement that is also an original still leaks",
			text: "Seattle and Austin",
			subs: []Substitution{
				{Original: "Seattle", Replacement: "Austin"},
				{Original: "Austin", Replacement: "Denver"},
			},
			want: "Austin and Denver",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FixLeaks(tc.text, tc.subs))
		})
	}
}
