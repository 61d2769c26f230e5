package fakeprovisioning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestFormatCommandKeepsOrder(t *testing.T) {
	cmd := bson.D{
		{Key: "shardCollection", Value: "test.foo"},
		{Key: "key", Value: bson.D{{Key: "b", Value: 1}, {Key: "a", Value: -1}}},
	}

	assert.Equal(t, "{shardCollection=test.foo key={b=1 a=-1}}", formatCommand(cmd))
	assert.Equal(t, "{}", formatCommand(bson.D{}))
	assert.Equal(t, "ping", formatCommand("ping"))
}

func TestAdminCommandJournal(t *testing.T) {
	driver := NewDriver()
	node := driver.NewStandaloneNode()

	cmd := bson.D{{Key: "setParameter", Value: 1}, {Key: "logLevel", Value: 2}}
	require.NoError(t, node.AdminCommand(context.Background(), cmd, nil))
	require.NoError(t, node.Database("config").RunCommand(context.Background(), bson.D{{Key: "ping", Value: 1}}, nil))

	assert.Equal(t, []string{
		"adminCommand localhost:20000 {setParameter=1 logLevel=2}",
		"runCommand localhost:20000 config {ping=1}",
	}, driver.Calls())
}
