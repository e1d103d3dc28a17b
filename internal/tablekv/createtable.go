package tablekv

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// CreateTable provisions a table matching spec.md §6.1: composite primary
// key (pk, sk) plus the four always-present GSIs with ALL projection. It
// is a convenience for local/dev provisioning, not part of the core engine
// (spec.md §6.1 "A table-creation helper is provided but not part of the
// core").
func CreateTable(ctx context.Context, client *dynamodb.Client, tableName string) error {
	input := &dynamodb.CreateTableInput{
		TableName:   aws.String(tableName),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("sk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsitype"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsitypesk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsi1pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsi2pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsi3pk"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("gsi3sk"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("pk"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("sk"), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String("gsitype"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("gsitype"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("gsitypesk"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String("gsi1"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("gsi1pk"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("pk"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String("gsi2"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("gsi2pk"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("pk"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String("gsi3"),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String("gsi3pk"), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String("gsi3sk"), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}

	if _, err := client.CreateTable(ctx, input); err != nil {
		return fmt.Errorf("creating table %s: %w", tableName, err)
	}
	return nil
}

// EnableTTL activates server-side expiry on attrName, the optional TTL
// attribute spec.md §6.1 allows the backend contract to govern.
func EnableTTL(ctx context.Context, client *dynamodb.Client, tableName, attrName string) error {
	_, err := client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(tableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attrName),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("enabling TTL on %s.%s: %w", tableName, attrName, err)
	}
	return nil
}
