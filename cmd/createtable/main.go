// Command createtable provisions the single-table backend (spec.md §6.1):
// a convenience for local/dev setup, not part of the core engine.
package main

import (
	"context"
	"flag"
	"log"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"singletable/internal/tablekv"
)

func main() {
	tableName := flag.String("table", "", "table name to create")
	ttlAttr := flag.String("ttl-attribute", "", "optional TTL attribute name to enable")
	endpoint := flag.String("endpoint", "", "optional backend endpoint override (e.g. DynamoDB Local)")
	flag.Parse()

	if *tableName == "" {
		log.Fatal("createtable: -table is required")
	}

	ctx := context.Background()
	var opts []func(*awsconfig.LoadOptions) error
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.Fatalf("createtable: loading AWS config: %v", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if *endpoint != "" {
			o.BaseEndpoint = endpoint
		}
	})

	if err := tablekv.CreateTable(ctx, client, *tableName); err != nil {
		log.Fatalf("createtable: %v", err)
	}
	log.Printf("created table %s", *tableName)

	if *ttlAttr != "" {
		if err := tablekv.EnableTTL(ctx, client, *tableName, *ttlAttr); err != nil {
			log.Fatalf("createtable: %v", err)
		}
		log.Printf("enabled TTL on %s.%s", *tableName, *ttlAttr)
	}
}
