package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

func TestParseSeed(t *testing.T) {
	req := require.New(t)

	ids, err := ParseSeed("u1:client:Alice Smith, u2:craftsman ,")
	req.NoError(err)
	req.Equal([]model.Identity{
		{UserID: "u1", Role: model.RoleClient, DisplayName: "Alice Smith"},
		{UserID: "u2", Role: model.RoleCraftsman},
	}, ids)

	_, err = ParseSeed("u1")
	req.Error(err)
	_, err = ParseSeed("u1:plumber")
	req.Error(err)
}

func TestStatic_Lookup(t *testing.T) {
	req := require.New(t)
	d := NewStatic(model.Identity{UserID: "u1", Role: model.RoleClient})

	id, err := d.Lookup(context.Background(), "u1")
	req.NoError(err)
	req.Equal(model.RoleClient, id.Role)

	_, err = d.Lookup(context.Background(), "u2")
	req.ErrorIs(err, model.ErrNotFound)

	d.Put(model.Identity{UserID: "u2", Role: model.RoleCraftsman})
	id, err = d.Lookup(context.Background(), "u2")
	req.NoError(err)
	req.Equal(model.RoleCraftsman, id.Role)
}
