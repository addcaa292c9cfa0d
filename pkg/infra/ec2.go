package infra

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"
	"github.com/mangoml/trackoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// instanceNotFoundCode is the EC2 error code for instance ids the API
// no longer recognizes. Terminated instances age out of the API after a
// while and start returning this instead of a terminated state.
const instanceNotFoundCode = "InvalidInstanceID.NotFound"

// Compile-time interface check.
var _ Liveness = (*ec2Liveness)(nil)

type ec2Liveness struct {
	log    logrus.FieldLogger
	client *ec2.Client
}

// NewEC2Liveness creates a Liveness backed by the EC2 DescribeInstances
// API.
func NewEC2Liveness(
	log logrus.FieldLogger,
	cfg *config.InfraConfig,
) Liveness {
	opts := []func(*ec2.Options){
		func(o *ec2.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return &ec2Liveness{
		log:    log.WithField("component", "ec2-liveness"),
		client: ec2.New(ec2.Options{}, opts...),
	}
}

// DescribeHost returns the instance's lifecycle state. Unknown instance
// ids map to HostNotFound rather than an error, since a vanished
// instance is a meaningful answer for liveness purposes.
func (l *ec2Liveness) DescribeHost(
	ctx context.Context, hostID string,
) (HostState, error) {
	out, err := l.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{hostID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) &&
			apiErr.ErrorCode() == instanceNotFoundCode {
			return HostNotFound, nil
		}

		return "", fmt.Errorf("describing instance %s: %w", hostID, err)
	}

	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if instance.State == nil {
				continue
			}

			return HostState(instance.State.Name), nil
		}
	}

	return HostNotFound, nil
}
