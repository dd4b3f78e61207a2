package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/rpc"

	"perpSentinel/internal/model"
)

// Client wraps the node's JSON-RPC API. The chain is Move-based: state
// lives in versioned objects, progress is measured in checkpoints, and
// transactions are dry-run before execution.
type Client struct {
	rpcClient *rpc.Client
	packageID string
}

// ObjectRef identifies one version of an on-chain object.
type ObjectRef struct {
	ObjectID string `json:"objectId"`
	Version  uint64 `json:"version,string"`
	Digest   string `json:"digest"`
	Owner    string `json:"owner,omitempty"`
}

// DryRunResult is the simulated execution outcome.
type DryRunResult struct {
	Status string
	Error  string
}

// ExecuteResult is the confirmed execution receipt.
type ExecuteResult struct {
	Digest        string          `json:"digest"`
	Effects       json.RawMessage `json:"effects"`
	Events        json.RawMessage `json:"events"`
	ObjectChanges json.RawMessage `json:"objectChanges"`
}

// NewClient dials the node RPC endpoint.
func NewClient(ctx context.Context, rpcURL, packageID string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return &Client{rpcClient: rpcClient, packageID: packageID}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

// LatestCheckpoint returns the chain head checkpoint sequence number.
func (c *Client) LatestCheckpoint(ctx context.Context) (uint64, error) {
	var result string
	if err := c.rpcClient.CallContext(ctx, &result, "sui_getLatestCheckpointSequenceNumber"); err != nil {
		return 0, err
	}
	height, err := strconv.ParseUint(result, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint %q: %w", result, err)
	}
	return height, nil
}

type eventPage struct {
	Data        []model.RawEvent `json:"data"`
	NextCursor  json.RawMessage  `json:"nextCursor"`
	HasNextPage bool             `json:"hasNextPage"`
}

// QueryEvents returns the protocol package's events in (fromCheckpoint,
// toCheckpoint], ordered by (checkpoint, event sequence). Pagination is
// followed until the range is exhausted.
func (c *Client) QueryEvents(ctx context.Context, fromCheckpoint, toCheckpoint uint64) ([]model.RawEvent, error) {
	filter := map[string]interface{}{
		"MoveModule": map[string]string{
			"package": c.packageID,
			"module":  "perp_core",
		},
	}

	var (
		events []model.RawEvent
		cursor json.RawMessage
	)
	for {
		var page eventPage
		if err := c.rpcClient.CallContext(ctx, &page, "suix_queryEvents", filter, cursor, 100, false); err != nil {
			return nil, err
		}

		done := false
		for _, raw := range page.Data {
			if raw.Checkpoint <= fromCheckpoint {
				continue
			}
			if raw.Checkpoint > toCheckpoint {
				done = true
				break
			}
			events = append(events, raw)
		}
		if done || !page.HasNextPage {
			break
		}
		cursor = page.NextCursor
	}

	return events, nil
}

// GetObject reads the current version of an object.
func (c *Client) GetObject(ctx context.Context, objectID string) (ObjectRef, error) {
	var result struct {
		Data *struct {
			ObjectID string          `json:"objectId"`
			Version  string          `json:"version"`
			Digest   string          `json:"digest"`
			Owner    json.RawMessage `json:"owner"`
		} `json:"data"`
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}

	opts := map[string]bool{"showOwner": true, "showContent": true}
	if err := c.rpcClient.CallContext(ctx, &result, "sui_getObject", objectID, opts); err != nil {
		return ObjectRef{}, err
	}
	if result.Data == nil {
		code := "notExists"
		if result.Error != nil {
			code = result.Error.Code
		}
		return ObjectRef{}, fmt.Errorf("object %s: %s", objectID, code)
	}

	version, err := strconv.ParseUint(result.Data.Version, 10, 64)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("parse object version %q: %w", result.Data.Version, err)
	}

	return ObjectRef{
		ObjectID: result.Data.ObjectID,
		Version:  version,
		Digest:   result.Data.Digest,
		Owner:    string(result.Data.Owner),
	}, nil
}

// DryRun simulates the transaction against current chain state.
func (c *Client) DryRun(ctx context.Context, txBytesB64 string) (DryRunResult, error) {
	var result struct {
		Effects struct {
			Status struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			} `json:"status"`
		} `json:"effects"`
	}
	if err := c.rpcClient.CallContext(ctx, &result, "sui_dryRunTransactionBlock", txBytesB64); err != nil {
		return DryRunResult{}, err
	}
	return DryRunResult{
		Status: result.Effects.Status.Status,
		Error:  result.Effects.Status.Error,
	}, nil
}

// Execute submits the signed transaction and requests effects, events and
// object-change confirmation.
func (c *Client) Execute(ctx context.Context, txBytesB64 string, signaturesB64 []string) (ExecuteResult, error) {
	opts := map[string]bool{
		"showEffects":       true,
		"showEvents":        true,
		"showObjectChanges": true,
	}

	var result ExecuteResult
	err := c.rpcClient.CallContext(ctx, &result, "sui_executeTransactionBlock",
		txBytesB64, signaturesB64, opts, "WaitForLocalExecution")
	if err != nil {
		return ExecuteResult{}, err
	}
	return result, nil
}
