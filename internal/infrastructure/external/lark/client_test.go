package lark

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewClientExposesSDKHandle(t *testing.T) {
	client := NewClient(Config{AppID: "cli_test", AppSecret: "secret"}, zap.NewNop())

	// The sink reaches the SDK through this accessor only.
	require.NotNil(t, client.GetClient())
}
