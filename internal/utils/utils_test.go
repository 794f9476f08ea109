package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	key := []byte("32-byte-long-secret-key-here!!!!")

	encrypted, err := Encrypt(key, "s3cret-passw0rd")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-passw0rd", encrypted)

	decrypted, err := Decrypt(key, encrypted)
	require.NoError(t, err)
	assert.Equal(t, "s3cret-passw0rd", decrypted)
}

func TestDecryptErrors(t *testing.T) {
	key := []byte("32-byte-long-secret-key-here!!!!")

	_, err := Decrypt(key, "not-base64!!")
	assert.Error(t, err)

	_, err = Decrypt(key, "c2hvcnQ=")
	assert.Error(t, err)

	encrypted, err := Encrypt(key, "value")
	require.NoError(t, err)
	_, err = Decrypt([]byte("another-32-byte-long-secret-key!"), encrypted)
	assert.Error(t, err)
}

func TestBasicAuthHandler(t *testing.T) {
	handler := BasicAuthHandler("user", "pass", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("user", "wrong")
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.SetBasicAuth("user", "pass")
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMergeLabels(t *testing.T) {
	merged := MergeLabels(
		map[string]string{"dbinstance": "synapse-db", "dbenv": "production"},
		map[string]string{"dbenv": "staging"},
	)
	assert.Equal(t, "synapse-db", string(merged["dbinstance"]))
	assert.Equal(t, "staging", string(merged["dbenv"]))
}
