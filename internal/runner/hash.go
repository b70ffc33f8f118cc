package runner

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"

	"github.com/google/uuid"

	"github.com/laminarhq/laminar/pkg/schema"
)

// HashTools returns the hashing and identifier tools.
func HashTools() []Tool {
	return []Tool{
		&hashDigestTool{},
		&hashHMACTool{},
		&hashUUIDTool{},
	}
}

// hashFunc returns a new hash.Hash for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// --- hash.digest ---

type hashDigestTool struct{}

func (a *hashDigestTool) Name() string { return "hash.digest" }

func (a *hashDigestTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *hashDigestTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Compute a cryptographic hash of the input data",
	}
}

func (a *hashDigestTool) Validate(input map[string]any) error {
	if _, ok := input["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "hash.digest requires 'data' string parameter")
	}
	return nil
}

func (a *hashDigestTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	data, _ := input.Args["data"].(string)
	algorithm, _ := input.Args["algorithm"].(string)
	if algorithm == "" {
		algorithm = "sha256"
	}

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	h := newHash()
	h.Write([]byte(data))
	sum := hex.EncodeToString(h.Sum(nil))

	out, err := json.Marshal(map[string]any{
		"hash":      sum,
		"algorithm": algorithm,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "hash.digest: marshal output: %v", err)
	}
	return &ToolOutput{Data: out}, nil
}

// --- hash.hmac ---

type hashHMACTool struct{}

func (a *hashHMACTool) Name() string { return "hash.hmac" }

func (a *hashHMACTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *hashHMACTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Compute an HMAC of the input data using the given key",
	}
}

func (a *hashHMACTool) Validate(input map[string]any) error {
	if _, ok := input["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "hash.hmac requires 'data' string parameter")
	}
	if _, ok := input["key"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "hash.hmac requires 'key' string parameter")
	}
	return nil
}

func (a *hashHMACTool) Execute(_ context.Context, input ToolInput) (*ToolOutput, error) {
	data, _ := input.Args["data"].(string)
	key, _ := input.Args["key"].(string)
	algorithm, _ := input.Args["algorithm"].(string)
	if algorithm == "" {
		algorithm = "sha256"
	}

	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(newHash, []byte(key))
	mac.Write([]byte(data))
	sum := hex.EncodeToString(mac.Sum(nil))

	out, err := json.Marshal(map[string]any{
		"hmac":      sum,
		"algorithm": algorithm,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "hash.hmac: marshal output: %v", err)
	}
	return &ToolOutput{Data: out}, nil
}

// --- hash.uuid ---

type hashUUIDTool struct{}

func (a *hashUUIDTool) Name() string { return "hash.uuid" }

func (a *hashUUIDTool) MinCapability() schema.Capability { return schema.CapabilityReadOnly }

func (a *hashUUIDTool) Schema() ToolSchema {
	return ToolSchema{
		Description: "Generate a v4 UUID",
	}
}

func (a *hashUUIDTool) Validate(_ map[string]any) error { return nil }

func (a *hashUUIDTool) Execute(_ context.Context, _ ToolInput) (*ToolOutput, error) {
	id := uuid.New()
	out, err := json.Marshal(map[string]any{
		"uuid": id.String(),
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "hash.uuid: marshal output: %v", err)
	}
	return &ToolOutput{Data: out}, nil
}
