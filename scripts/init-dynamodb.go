package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	appconfig "github.com/epw80/chat-store/pkg/config"
	"github.com/epw80/chat-store/pkg/storage"
)

func main() {
	recreate := flag.Bool("recreate", false, "delete and recreate the table if it already exists")
	flag.Parse()

	ctx := context.Background()

	// Load configuration
	cfg := appconfig.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("Initializing DynamoDB table",
		slog.String("endpoint", cfg.DynamoDBEndpoint),
		slog.String("region", cfg.DynamoDBRegion))

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to load AWS config: %v", err)
	}

	client := storage.NewDynamoDBClient(awsCfg, cfg)

	schema := storage.GetTableSchema(cfg.TableName)

	// Check if table already exists
	_, err = client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(schema.TableName),
	})

	if err == nil {
		if !*recreate {
			logger.Info("Table already exists, leaving it in place",
				slog.String("table", schema.TableName))
			return
		}

		logger.Info("Table already exists, deleting and recreating",
			slog.String("table", schema.TableName))

		_, err = client.DeleteTable(ctx, &dynamodb.DeleteTableInput{
			TableName: aws.String(schema.TableName),
		})
		if err != nil {
			log.Fatalf("Failed to delete existing table: %v", err)
		}

		waiter := dynamodb.NewTableNotExistsWaiter(client)
		err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(schema.TableName),
		}, 60*time.Second)
		if err != nil {
			log.Fatalf("Failed waiting for table deletion: %v", err)
		}

		logger.Info("Existing table deleted successfully")
	}

	logger.Info("Creating DynamoDB table",
		slog.String("table", schema.TableName))

	// Metadata, messages and tag index entries share one key space, so the
	// table needs no secondary indexes.
	_, err = client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(schema.TableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String(schema.PartitionKey),
				AttributeType: types.ScalarAttributeTypeS,
			},
			{
				AttributeName: aws.String(schema.SortKey),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String(schema.PartitionKey),
				KeyType:       types.KeyTypeHash,
			},
			{
				AttributeName: aws.String(schema.SortKey),
				KeyType:       types.KeyTypeRange,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		log.Fatalf("Failed to create table: %v", err)
	}

	// Wait for table to be active
	waiter := dynamodb.NewTableExistsWaiter(client)
	err = waiter.Wait(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(schema.TableName),
	}, 60*time.Second)
	if err != nil {
		log.Fatalf("Failed waiting for table creation: %v", err)
	}

	logger.Info("Table created successfully",
		slog.String("table", schema.TableName))

	output, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(schema.TableName),
	})
	if err != nil {
		log.Fatalf("Failed to describe table: %v", err)
	}

	fmt.Printf("\nTable: %s\n", aws.ToString(output.Table.TableName))
	fmt.Printf("Status: %s\n", output.Table.TableStatus)
	fmt.Printf("Item Count: %d\n", aws.ToInt64(output.Table.ItemCount))
	fmt.Printf("\nPrimary Key:\n")
	fmt.Printf("  - Partition Key: %s (HASH)\n", schema.PartitionKey)
	fmt.Printf("  - Sort Key: %s (RANGE)\n", schema.SortKey)
	fmt.Printf("\nItem layout:\n")
	fmt.Printf("  - Metadata:  %s / %s\n", storage.ConversationKey("<user>", "<conversation>"), storage.MetadataSortKey)
	fmt.Printf("  - Message:   %s / %s\n", storage.ConversationKey("<user>", "<conversation>"), storage.MessageSortKey(0, "<uuidv7>"))
	fmt.Printf("  - Tag index: %s / <conversation>\n", storage.TagIndexKey("<user>", "<tag>"))
}
