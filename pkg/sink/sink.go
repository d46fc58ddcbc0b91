// Package sink hands events to downstream consumers on a best-effort basis.
// Senders never wait for the consumer to finish processing.
package sink

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/common-fate/hubctl/pkg/apierr"
	"github.com/pkg/errors"
)

type Sink interface {
	Send(ctx context.Context, payload any) error
}

// Nop discards every payload.
type Nop struct{}

func (Nop) Send(context.Context, any) error { return nil }

type LambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Lambda invokes a function asynchronously with a JSON payload.
// Lambda queues the event and returns; the function's result is never observed.
type Lambda struct {
	Client       LambdaAPI
	FunctionName string
}

func NewLambda(cfg aws.Config, functionName string) (*Lambda, error) {
	if functionName == "" {
		return nil, apierr.Validationf("a function name is required for the lambda sink")
	}
	return &Lambda{Client: lambda.NewFromConfig(cfg), FunctionName: functionName}, nil
}

func (l *Lambda) Send(ctx context.Context, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encoding sink payload")
	}
	out, err := l.Client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(l.FunctionName),
		InvocationType: types.InvocationTypeEvent,
		Payload:        b,
	})
	if err != nil {
		return errors.Wrapf(err, "invoking %s", l.FunctionName)
	}
	if out.FunctionError != nil {
		return errors.Errorf("invoking %s: %s", l.FunctionName, aws.ToString(out.FunctionError))
	}
	return nil
}
