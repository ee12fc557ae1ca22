package security

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// LoadCodec resolves the token encryption key and returns a ready Codec.
// Order: TOKEN_ENC_KEY_B64 env var, then the SSM SecureString parameter named
// by TOKEN_ENC_KEY_PARAM. Called once per cold start.
func LoadCodec(ctx context.Context) (*Codec, error) {
	if b64 := strings.TrimSpace(os.Getenv("TOKEN_ENC_KEY_B64")); b64 != "" {
		key, err := LoadKeyFromBase64(b64)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_ENC_KEY_B64: %w", err)
		}
		return NewCodec(key)
	}

	param := strings.TrimSpace(os.Getenv("TOKEN_ENC_KEY_PARAM"))
	if param == "" {
		return nil, errors.New("neither TOKEN_ENC_KEY_B64 nor TOKEN_ENC_KEY_PARAM is set")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	out, err := ssm.NewFromConfig(cfg).GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(param),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ssm GetParameter %s: %w", param, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, fmt.Errorf("ssm parameter %s has no value", param)
	}

	key, err := LoadKeyFromBase64(strings.TrimSpace(*out.Parameter.Value))
	if err != nil {
		return nil, fmt.Errorf("ssm parameter %s: %w", param, err)
	}
	return NewCodec(key)
}
