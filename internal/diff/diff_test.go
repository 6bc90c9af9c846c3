package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbbridge/internal/schema"
)

func usersSnapshot() schema.Snapshot {
	return schema.Snapshot{
		"users": {
			"id":          {Type: schema.TypeInteger, PrimaryKey: true},
			"email":       {Type: schema.TypeString, Unique: true},
			"legacy_flag": {Type: schema.TypeBoolean},
		},
	}
}

func TestCompareReflexive(t *testing.T) {
	snap := usersSnapshot()
	res := Compare(snap, snap)
	assert.False(t, res.HasChanges())
	assert.False(t, res.HasDestructiveChanges())
	assert.Zero(t, res.ChangeCount())
}

func TestCompareAddAndDrop(t *testing.T) {
	// Target adds posts and drops users.legacy_flag.
	actual := usersSnapshot()
	target := schema.Snapshot{
		"users": {
			"id":    {Type: schema.TypeInteger, PrimaryKey: true},
			"email": {Type: schema.TypeString, Unique: true},
		},
		"posts": {
			"id":      {Type: schema.TypeInteger, PrimaryKey: true},
			"user_id": {Type: schema.TypeInteger, ForeignKey: "users.id"},
		},
	}

	res := Compare(actual, target)
	assert.Equal(t, []string{"posts"}, res.TablesAdded)
	assert.Empty(t, res.TablesDropped)
	require.Contains(t, res.TablesModified, "users")
	assert.Equal(t, []string{"legacy_flag"}, res.TablesModified["users"].ColumnsDropped)
	assert.True(t, res.HasDestructiveChanges())
}

func TestCompareTableDropIsDestructive(t *testing.T) {
	res := Compare(usersSnapshot(), schema.Snapshot{})
	assert.Equal(t, []string{"users"}, res.TablesDropped)
	assert.True(t, res.HasDestructiveChanges())
}

func TestCompareAdditiveOnlyIsNotDestructive(t *testing.T) {
	actual := schema.Snapshot{
		"users": {"id": {Type: schema.TypeInteger, PrimaryKey: true}},
	}
	target := schema.Snapshot{
		"users": {
			"id":   {Type: schema.TypeInteger, PrimaryKey: true},
			"name": {Type: schema.TypeString},
		},
		"tags": {"id": {Type: schema.TypeInteger, PrimaryKey: true}},
	}
	res := Compare(actual, target)
	assert.True(t, res.HasChanges())
	assert.False(t, res.HasDestructiveChanges())
}

func TestModificationClassification(t *testing.T) {
	cases := []struct {
		name        string
		from, to    schema.Column
		destructive bool
	}{
		{"widen int to string", schema.Column{Type: schema.TypeInteger}, schema.Column{Type: schema.TypeString}, false},
		{"widen int to float", schema.Column{Type: schema.TypeInteger}, schema.Column{Type: schema.TypeFloat}, false},
		{"widen date to datetime", schema.Column{Type: schema.TypeDate}, schema.Column{Type: schema.TypeDatetime}, false},
		{"narrow string to int", schema.Column{Type: schema.TypeString}, schema.Column{Type: schema.TypeInteger}, true},
		{"narrow float to int", schema.Column{Type: schema.TypeFloat}, schema.Column{Type: schema.TypeInteger}, true},
		{"require without default", schema.Column{Type: schema.TypeString}, schema.Column{Type: schema.TypeString, Required: true}, true},
		{"new unique constraint", schema.Column{Type: schema.TypeString}, schema.Column{Type: schema.TypeString, Unique: true}, true},
		{"drop requiredness", schema.Column{Type: schema.TypeString, Required: true}, schema.Column{Type: schema.TypeString}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			actual := schema.Snapshot{"t": {"c": tc.from}}
			target := schema.Snapshot{"t": {"c": tc.to}}
			res := Compare(actual, target)
			require.Contains(t, res.TablesModified, "t")
			require.Len(t, res.TablesModified["t"].ColumnsModified, 1)
			assert.Equal(t, tc.destructive, res.TablesModified["t"].ColumnsModified[0].Destructive)
		})
	}
}

func TestRequireWithDefaultIsAdditive(t *testing.T) {
	dflt := "unknown"
	actual := schema.Snapshot{"t": {"c": {Type: schema.TypeString}}}
	target := schema.Snapshot{"t": {"c": {Type: schema.TypeString, Required: true, Default: &dflt}}}
	res := Compare(actual, target)
	require.Len(t, res.TablesModified["t"].ColumnsModified, 1)
	assert.False(t, res.TablesModified["t"].ColumnsModified[0].Destructive)
}

func TestCounts(t *testing.T) {
	actual := usersSnapshot()
	target := schema.Snapshot{
		"users": {
			"id":    {Type: schema.TypeInteger, PrimaryKey: true},
			"email": {Type: schema.TypeString, Unique: true},
			"name":  {Type: schema.TypeString},
		},
	}
	res := Compare(actual, target)
	added, dropped, modified := res.Counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 0, modified)
	assert.Equal(t, 2, res.ChangeCount())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "schemas match", Describe(Compare(usersSnapshot(), usersSnapshot())))

	res := Compare(usersSnapshot(), schema.Snapshot{})
	out := Describe(res)
	assert.Contains(t, out, "Tables to drop: users")
}
