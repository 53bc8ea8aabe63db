package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tradefin/tradefin/internal/app"
	_ "github.com/tradefin/tradefin/internal/testing/guard"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	app.RefreshTestMode()
	require.True(t, app.InTestMode())
	main()
}
