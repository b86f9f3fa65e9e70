package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SonHoang2/secure-chat-app/internal/models"
)

// MockS3Client implements S3ClientAPI
type MockS3Client struct {
	Objects map[string][]byte
}

func (m *MockS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.Objects == nil {
		m.Objects = make(map[string][]byte)
	}
	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(params.Body)
	m.Objects[*params.Key] = buf.Bytes()
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if content, ok := m.Objects[*params.Key]; ok {
		return &s3.GetObjectOutput{
			Body: io.NopCloser(bytes.NewReader(content)),
		}, nil
	}
	return nil, &types.NoSuchKey{}
}

func (m *MockS3Client) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.Objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3BlobStore(t *testing.T) {
	ctx := context.Background()
	mockClient := &MockS3Client{Objects: make(map[string][]byte)}
	store := &S3BlobStore{
		Client: mockClient,
		Bucket: "test-bucket",
	}

	require.NoError(t, store.Save(ctx, "m1", []byte("content")))
	assert.Equal(t, []byte("content"), mockClient.Objects["messages/m1"])

	got, err := store.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), got)

	require.NoError(t, store.Delete(ctx, "m1"))
	assert.NotContains(t, mockClient.Objects, "messages/m1")

	_, err = store.Get(ctx, "m1")
	var nsk *types.NoSuchKey
	assert.True(t, errors.As(err, &nsk))
}

func TestStorageOnS3(t *testing.T) {
	ctx := context.Background()
	mockClient := &MockS3Client{}
	s, err := NewStorage(t.TempDir(), &S3BlobStore{Client: mockClient, Bucket: "b"})
	require.NoError(t, err)

	env := models.Envelope{Ciphertext: []byte("ct"), IV: []byte("iv"), EphemeralPublicKey: []byte("epk")}
	require.NoError(t, s.SaveMessage(ctx, models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		Envelopes:      map[string]models.Envelope{"bob": env},
		Statuses:       map[string]models.Status{"bob": models.StatusSent},
	}))
	assert.Contains(t, mockClient.Objects, "messages/m1")

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, env, got.Envelopes["bob"])
}
