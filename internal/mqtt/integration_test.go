//go:build integration

package mqtt_test

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"wiogate/internal/backup"
	"wiogate/internal/mqtt"
	"wiogate/pkg/types"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBrokerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, err := backup.NewFileStore(t.TempDir())
	require.NoError(t, err)

	client := mqtt.NewClient(brokerTestConfig(), store, zaptest.NewLogger(t), nil)
	defer client.Close()

	received := make(chan []byte, 1)
	topic := "wiogate/test/" + strconv.FormatInt(time.Now().UnixNano(), 36)
	client.AddTopicHandler(topic, mqtt.HandlerFunc(func(payload []byte) {
		select {
		case received <- payload:
		default:
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.Subscribe(topic, mqtt.AtLeastOnce))
	require.Eventually(t, func() bool { return client.State().Usable() }, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, client.Publish(topic, map[string]string{"deviceId": "it-1"}, mqtt.AtLeastOnce, false))

	select {
	case payload := <-received:
		require.JSONEq(t, `{"deviceId":"it-1"}`, string(payload))
	case <-ctx.Done():
		t.Fatal("timeout waiting for published message")
	}

	names, err := store.List()
	require.NoError(t, err)
	require.Empty(t, names)
}

func brokerTestConfig() *types.MQTTConfig {
	config := &types.MQTTConfig{}
	config.Broker.Host = getEnv("MQTT_HOST", "localhost")
	config.Broker.Port = getEnvInt("MQTT_PORT", 1883)
	config.Auth.Username = getEnv("MQTT_USERNAME", "")
	config.Auth.Password = getEnv("MQTT_PASSWORD", "")
	config.Client.ClientID = "wiogate-it-{random}"
	config.Client.KeepAlive = 30 * time.Second
	config.Client.PublishWait = 5 * time.Second
	config.StatusTimeout = time.Minute
	config.Backup.ResendInterval = time.Hour
	return config
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
