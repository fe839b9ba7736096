package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bonded-wms/stockbalance/internal/app"
	_ "github.com/bonded-wms/stockbalance/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}
