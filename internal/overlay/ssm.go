package overlay

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// ssmAPI is the subset of the SSM API the overlay uses. Extracted as an
// interface to enable unit testing without live AWS credentials.
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSM stores pointer records as SSM parameters, one per site public
// key, under a fixed path prefix. Values are base64 since SSM
// parameters are strings. Reads-after-writes are eventually consistent,
// matching the overlay contract.
type SSM struct {
	client ssmAPI
	prefix string
	prefer Prefer
	logger log.Logger
}

type SSMOptions struct {
	// Prefix is the parameter path prefix, e.g.
	// /app/peerpress/overlay/pointers
	Prefix string

	// Prefer applies the conflict rule before overwriting an existing
	// parameter. Nil means last write wins.
	Prefer Prefer

	Logger log.Logger
}

func NewSSM(client *ssm.Client, opts SSMOptions) (*SSM, error) {
	if opts.Prefix == "" {
		return nil, xerrors.New("overlay: SSM Prefix is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	return &SSM{
		client: client,
		prefix: opts.Prefix,
		prefer: opts.Prefer,
		logger: logger,
	}, nil
}

func (s *SSM) paramName(key Key) string {
	return s.prefix + "/" + hex.EncodeToString(key[:])
}

func (s *SSM) Put(ctx context.Context, key Key, value []byte) error {
	name := s.paramName(key)

	if s.prefer != nil {
		current, err := s.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		case !s.prefer(current, value):
			s.logger.Debug(ctx, "overlay put superseded by existing value", "param", name)
			return nil
		}
	}

	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(name),
		Value:     aws.String(base64.StdEncoding.EncodeToString(value)),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put SSM parameter %s", name)
	}
	return nil
}

func (s *SSM) Get(ctx context.Context, key Key) ([]byte, error) {
	name := s.paramName(key)

	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(name),
	})
	if err != nil {
		var nf *ssmtypes.ParameterNotFound
		if errors.As(err, &nf) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return nil, ErrNotFound
	}

	value, err := base64.StdEncoding.DecodeString(*out.Parameter.Value)
	if err != nil {
		return nil, xerrors.Wrapf(err, "decode SSM parameter %s", name)
	}
	return value, nil
}
