package objectstore_test

import (
	"context"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-studio/internal/core"
	"github.com/book-expert/tts-studio/internal/objectstore"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func newStore(t *testing.T, bucket string) (*objectstore.NatsObjectStore, nats.JetStreamContext) {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(natsServer.Shutdown)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	log, err := logger.New(t.TempDir(), "objectstore-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	store, err := objectstore.New(jetstreamContext, bucket, objectstore.Options{InMemory: true}, log)
	require.NoError(t, err)

	return store, jetstreamContext
}

func TestNatsObjectStore_UploadDownloadDelete(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t, "test-bucket")
	ctx := context.Background()
	key := "speech.mp3"
	uploadData := []byte("ID3 not really an mp3")

	require.NoError(t, store.Upload(ctx, key, uploadData))

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)
	require.Equal(t, uploadData, downloadData)

	require.NoError(t, store.Delete(ctx, key))

	_, err = store.Download(ctx, key)
	require.ErrorIs(t, err, core.ErrNotFound)

	err = store.Delete(ctx, key)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestNatsObjectStore_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	store, jetstreamContext := newStore(t, "shared")
	require.NoError(t, store.Upload(context.Background(), "a.wav", []byte("RIFF")))

	log, err := logger.New(t.TempDir(), "objectstore-rebind.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	again, err := objectstore.New(jetstreamContext, "shared", objectstore.Options{InMemory: true}, log)
	require.NoError(t, err)
	require.Equal(t, "shared", again.Bucket())

	data, err := again.Download(context.Background(), "a.wav")
	require.NoError(t, err)
	require.Equal(t, []byte("RIFF"), data)
}
