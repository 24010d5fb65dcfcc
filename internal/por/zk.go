package por

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

// ErrZKUnavailable wraps every coprocessor failure; the attestor falls back to ECDSA on it.
var ErrZKUnavailable = errors.New("zk coprocessor unavailable")

// ZKRequest is what the coprocessor needs to prove venue equity at a point in time.
type ZKRequest struct {
	Vault        string `json:"vault"`
	SnapshotTime int64  `json:"snapshot_time"`
	PayloadHash  string `json:"payload_hash"`
	// ReadOnlyKey is the venue's read-only credential; never logged.
	ReadOnlyKey string `json:"read_only_key"`
}

// ZKProof is the coprocessor's answer.
type ZKProof struct {
	Proof           []byte
	ProofHash       common.Hash
	IPFSCID         string
	ProverSignature []byte
	Latency         time.Duration
}

// Prover produces proofs of venue equity.
type Prover interface {
	Prove(ctx context.Context, req ZKRequest) (ZKProof, error)
}

// ZKClient talks to the coprocessor over HTTP.
type ZKClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewZKClient builds a client with the given per-request timeout (default 30s).
func NewZKClient(baseURL, apiKey string, timeout time.Duration) *ZKClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ZKClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Prove requests a proof. Every failure wraps ErrZKUnavailable.
func (c *ZKClient) Prove(ctx context.Context, req ZKRequest) (ZKProof, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ZKProof{}, fmt.Errorf("%w: marshal request: %v", ErrZKUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/prove", bytes.NewReader(body))
	if err != nil {
		return ZKProof{}, fmt.Errorf("%w: create request: %v", ErrZKUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return ZKProof{}, fmt.Errorf("%w: %v", ErrZKUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return ZKProof{}, fmt.Errorf("%w: read response: %v", ErrZKUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ZKProof{}, fmt.Errorf("%w: status %d", ErrZKUnavailable, resp.StatusCode)
	}

	proof, err := parseProof(raw)
	if err != nil {
		return ZKProof{}, err
	}
	proof.Latency = time.Since(started)
	return proof, nil
}

func parseProof(raw []byte) (ZKProof, error) {
	if !gjson.ValidBytes(raw) {
		return ZKProof{}, fmt.Errorf("%w: malformed response", ErrZKUnavailable)
	}
	root := gjson.ParseBytes(raw)
	if res := root.Get("result"); res.IsObject() {
		root = res
	}

	if status := root.Get("status").String(); status != "" && !strings.EqualFold(status, "ok") {
		return ZKProof{}, fmt.Errorf("%w: prover status %q: %s", ErrZKUnavailable, status, root.Get("error").String())
	}

	hashHex := root.Get("proof_hash").String()
	if hashHex == "" {
		return ZKProof{}, fmt.Errorf("%w: missing proof_hash", ErrZKUnavailable)
	}
	hashBytes, err := hexutil.Decode(hashHex)
	if err != nil || len(hashBytes) != common.HashLength {
		return ZKProof{}, fmt.Errorf("%w: invalid proof_hash", ErrZKUnavailable)
	}

	sig, err := hexutil.Decode(root.Get("prover_signature").String())
	if err != nil {
		return ZKProof{}, fmt.Errorf("%w: invalid prover_signature", ErrZKUnavailable)
	}

	var proofBytes []byte
	if p := root.Get("proof").String(); p != "" {
		if proofBytes, err = hexutil.Decode(p); err != nil {
			return ZKProof{}, fmt.Errorf("%w: invalid proof bytes", ErrZKUnavailable)
		}
	}

	out := ZKProof{
		Proof:           proofBytes,
		ProofHash:       common.BytesToHash(hashBytes),
		IPFSCID:         root.Get("ipfs_cid").String(),
		ProverSignature: sig,
	}
	// provers report latency either as a number or a numeric string
	if ms := root.Get("latency_ms"); ms.Exists() {
		out.Latency = time.Duration(cast.ToInt64(ms.Value())) * time.Millisecond
	}
	return out, nil
}

var _ Prover = (*ZKClient)(nil)
