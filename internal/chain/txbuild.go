package chain

import (
	"context"
	"fmt"
)

const coreModule = "perp_core"

// buildMoveCall asks the node to serialize a move call into transaction
// bytes. The result is unsigned; the gateway signs and executes it.
func (c *Client) buildMoveCall(ctx context.Context, sender, module, function string, typeArgs []string, args []interface{}, gasBudget uint64) (string, error) {
	if typeArgs == nil {
		typeArgs = []string{}
	}

	var result struct {
		TxBytes string `json:"txBytes"`
	}
	err := c.rpcClient.CallContext(ctx, &result, "unsafe_moveCall",
		sender, c.packageID, module, function, typeArgs, args,
		nil, fmt.Sprintf("%d", gasBudget))
	if err != nil {
		return "", fmt.Errorf("build %s::%s: %w", module, function, err)
	}
	if result.TxBytes == "" {
		return "", fmt.Errorf("build %s::%s: node returned empty tx bytes", module, function)
	}
	return result.TxBytes, nil
}

// BuildLiquidationTx serializes a liquidate_position call. priceUpdateData
// is the signed oracle attestation refreshed in the same transaction so
// the contract liquidates against the price being submitted.
func (c *Client) BuildLiquidationTx(ctx context.Context, sender, marketID, positionID string, priceUpdateData []byte, gasBudget uint64) (string, error) {
	return c.buildMoveCall(ctx, sender, coreModule, "liquidate_position", nil,
		[]interface{}{marketID, positionID, string(priceUpdateData)}, gasBudget)
}

// BuildPricePushTx serializes an update_price call carrying the scaled
// price (integer string at contract scale) and the oracle attestation.
func (c *Client) BuildPricePushTx(ctx context.Context, sender, priceObjectID, scaledPrice string, priceUpdateData []byte, gasBudget uint64) (string, error) {
	return c.buildMoveCall(ctx, sender, "oracle", "update_price", nil,
		[]interface{}{priceObjectID, scaledPrice, string(priceUpdateData)}, gasBudget)
}
