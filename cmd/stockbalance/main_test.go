package main

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/bonded-wms/stockbalance/internal/app"
	_ "github.com/bonded-wms/stockbalance/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}

func TestUniversalKeepsNilUntyped(t *testing.T) {
	require.Nil(t, universal(nil))

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	require.NotNil(t, universal(client))
}
