package identity

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/peerpress/peerpress/internal/xerrors"
)

// kmsCryptoAPI is the subset of the KMS API needed for key wrapping.
// Extracted as an interface to enable unit testing without live AWS credentials.
type kmsCryptoAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSSealer protects private keys by wrapping them with an AWS KMS key
// instead of a local passphrase. Unseal failures map to ErrUnsealFailed
// the same way the passphrase path does.
type KMSSealer struct {
	client kmsCryptoAPI
	keyARN string
}

func NewKMSSealer(client *kms.Client, keyARN string) *KMSSealer {
	return &KMSSealer{client: client, keyARN: keyARN}
}

func (s *KMSSealer) Seal(ctx context.Context, plaintext []byte) ([]byte, error) {
	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}
	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(s.keyARN),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "kms encrypt")
	}
	return out.CiphertextBlob, nil
}

func (s *KMSSealer) Unseal(ctx context.Context, blob []byte) ([]byte, error) {
	if s.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}
	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(s.keyARN),
		CiphertextBlob: blob,
	})
	if err != nil {
		// wrong key or tampered blob, indistinguishable to callers
		return nil, ErrUnsealFailed
	}
	return out.Plaintext, nil
}
