package store

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rds"
)

// DBInstanceDescriber is the subset of the RDS API used to locate the database.
type DBInstanceDescriber interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
}

// NewRDSClient loads the default AWS credential chain.
func NewRDSClient(ctx context.Context, region string) (*rds.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return rds.NewFromConfig(cfg), nil
}

// ResolveRDSEndpoint returns host:port of an available RDS instance.
func ResolveRDSEndpoint(ctx context.Context, api DBInstanceDescriber, instanceID string) (string, error) {
	out, err := api.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(instanceID),
	})
	if err != nil {
		return "", fmt.Errorf("describe RDS instance %s: %w", instanceID, err)
	}
	if len(out.DBInstances) == 0 {
		return "", fmt.Errorf("RDS instance %s: %w", instanceID, ErrNotFound)
	}

	inst := out.DBInstances[0]
	if inst.Endpoint == nil || aws.ToString(inst.Endpoint.Address) == "" {
		return "", fmt.Errorf("RDS instance %s has no endpoint yet (status %q)", instanceID, aws.ToString(inst.DBInstanceStatus))
	}
	port := aws.ToInt32(inst.Endpoint.Port)
	if port == 0 {
		port = 5432
	}
	return net.JoinHostPort(aws.ToString(inst.Endpoint.Address), strconv.Itoa(int(port))), nil
}

// PostgresURL builds a connection URL for hostPort.
func PostgresURL(hostPort, user, password, database string) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     hostPort,
		Path:     "/" + database,
		RawQuery: "sslmode=require",
	}
	return u.String()
}
