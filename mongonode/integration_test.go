package mongonode_test

import (
	"context"
	"testing"

	"github.com/couchbaselabs/fsmcluster/testutils"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestStandaloneNode(t *testing.T) {
	node := testutils.DialStandalone(t)
	ctx := context.Background()

	res, err := node.Database("admin").IsMaster(ctx)
	require.NoError(t, err)
	assert.True(t, res.IsMaster)
	assert.Equal(t, 0, res.SetSize())

	var ping struct {
		Ok float64 `bson:"ok"`
	}
	err = node.AdminCommand(ctx, bson.D{{Key: "ping", Value: 1}}, &ping)
	require.NoError(t, err)
	assert.Equal(t, 1.0, ping.Ok)

	db := node.Database("admin").Sibling("fsmtest")
	assert.Equal(t, "fsmtest", db.Name())
	assert.Equal(t, node.Host(), db.Node().Host())

	collection := "coll_" + uuid.NewString()[:8]

	dropped, err := db.DropCollection(ctx, collection)
	require.NoError(t, err)
	assert.False(t, dropped)
}

func TestUnknownCommandFails(t *testing.T) {
	node := testutils.DialStandalone(t)

	err := node.AdminCommand(context.Background(), bson.D{{Key: "notARealCommand", Value: 1}}, nil)
	require.Error(t, err)
}
