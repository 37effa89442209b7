package web3

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

const sampleChains = `
chains:
  Polygon:
    rpc_url: https://polygon-rpc.example
    chain_id: 137
    native_symbol: pol
    tokens:
      USDT: {address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", decimals: 6}
  ethereum:
    rpc_url: https://eth.example
    ens: true
`

func TestLoadChainDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(sampleChains), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if names := defs.Names(); len(names) != 2 || names[0] != "ethereum" || names[1] != "polygon" {
		t.Fatalf("unexpected names: %v", names)
	}
	polygon, ok := defs.Chain("POLYGON")
	if !ok || polygon.Type != "evm" || polygon.NativeSymbol != "POL" {
		t.Fatalf("unexpected polygon definition: %+v", polygon)
	}
	if d, ok := defs.Decimals("polygon", "usdt"); !ok || d != 6 {
		t.Fatalf("unexpected USDT decimals %d %v", d, ok)
	}
	if d, ok := defs.Decimals("polygon", "POL"); !ok || d != DefaultNativeDecimals {
		t.Fatalf("unexpected native decimals %d %v", d, ok)
	}
	if d, ok := defs.Decimals("ethereum", ""); !ok || d != 18 {
		t.Fatalf("empty token means native, got %d %v", d, ok)
	}
	if _, ok := defs.Decimals("arbitrum", "ETH"); ok {
		t.Fatalf("unknown network must not resolve")
	}
}

func TestParseChainDefinitionsRejectsBadTokenAddress(t *testing.T) {
	_, err := ParseChainDefinitions([]byte(`
chains:
  base:
    tokens:
      USDC: {address: "not-an-address", decimals: 6}
`))
	if err == nil {
		t.Fatalf("expected invalid token address error")
	}
}

func TestEmptyPathYieldsNoChains(t *testing.T) {
	defs, err := LoadChainDefinitions("  ")
	if err != nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty definitions, got %+v %v", defs, err)
	}
}

func TestTransferValidateAndDryRun(t *testing.T) {
	ok := Transfer{To: "0x1111111111111111111111111111111111111111", Amount: decimal.NewFromInt(10), Network: "base"}
	first, err := DryRun{}.Submit(context.Background(), ok)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	second, _ := DryRun{}.Submit(context.Background(), ok)
	if first != second || len(first) != 66 {
		t.Fatalf("dry run hash must be deterministic, got %s / %s", first, second)
	}

	bad := ok
	bad.Amount = decimal.Zero
	if _, err := (DryRun{}).Submit(context.Background(), bad); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	bad = ok
	bad.To = ""
	if err := bad.Validate(); !errors.Is(err, ErrInvalidRecipient) {
		t.Fatalf("expected invalid recipient, got %v", err)
	}
}
