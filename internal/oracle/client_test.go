package oracle

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pendergraft/phoneverify/internal/faults"
)

func TestClient_BlindSign(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	account := crypto.PubkeyToAddress(key.PublicKey)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, signPath, r.URL.Path)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		sig := hexutil.MustDecode(r.Header.Get("Authorization"))
		pub, err := crypto.SigToPub(accounts.TextHash(body), sig)
		require.NoError(t, err)
		assert.Equal(t, account, crypto.PubkeyToAddress(*pub))

		var req signRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, account.Hex(), req.Account)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), req.BlindedQueryPhoneNumber)

		_ = json.NewEncoder(w).Encode(signResponse{Success: true, CombinedSignature: base64.StdEncoding.EncodeToString([]byte{9, 9})})
	}))
	defer srv.Close()

	got, err := New(srv.URL).BlindSign(context.Background(), key, []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, got)
}

func TestClient_BlindSignErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   signResponse
		want   faults.Kind
	}{
		{"out of quota", http.StatusForbidden, signResponse{Error: "ODIS_QUOTA_ERROR"}, faults.KindQuotaExceeded},
		{"unavailable", http.StatusServiceUnavailable, signResponse{}, faults.KindNetwork},
		{"unsuccessful", http.StatusOK, signResponse{Success: false, Error: "bad blinded message"}, faults.KindProtocol},
		{"undecodable signature", http.StatusOK, signResponse{Success: true, CombinedSignature: "%%%"}, faults.KindProtocol},
	}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			_, err := New(srv.URL).BlindSign(context.Background(), key, []byte{1})
			require.Error(t, err)
			assert.Equal(t, tt.want, faults.KindOf(err))
		})
	}
}
