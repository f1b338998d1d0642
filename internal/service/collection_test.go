package service

import (
	"testing"

	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestCollection_SetPending(t *testing.T) {
	tests := []struct {
		name    string
		applied uint64
		ops     []*model.Operation
		want    int
	}{
		{
			name: "logged operation is pending",
			ops:  []*model.Operation{{Type: model.OperationInsert, Key: "a", Sequence: 3}},
			want: 1,
		},
		{
			name:    "applied remove is not pending",
			applied: 5,
			ops:     []*model.Operation{{Type: model.OperationRemove, Key: "a", Sequence: 4}},
			want:    0,
		},
		{
			name:    "operation past applied is pending",
			applied: 5,
			ops:     []*model.Operation{{Type: model.OperationRemove, Key: "a", Sequence: 6}},
			want:    1,
		},
		{
			name: "older operation never replaces newer one",
			ops: []*model.Operation{
				{Type: model.OperationInsert, Key: "a", Sequence: 8},
				{Type: model.OperationRemove, Key: "a", Sequence: 7},
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCollection(collectionParameters{ID: 1, Name: "docs"}, t.TempDir(), nil)
			c.applied.Store(tt.applied)
			for _, op := range tt.ops {
				c.setPending(op)
			}
			assert.Equal(t, tt.want, c.Uncollected())
		})
	}

	c := newCollection(collectionParameters{ID: 1, Name: "docs"}, t.TempDir(), nil)
	c.setPending(&model.Operation{Type: model.OperationInsert, Key: "a", Sequence: 8})
	c.setPending(&model.Operation{Type: model.OperationRemove, Key: "a", Sequence: 7})
	assert.True(t, c.Exists("a"))
	assert.Equal(t, int64(1), c.Count())
}
