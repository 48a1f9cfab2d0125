package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/epw80/chat-store/pkg/config"
	"github.com/epw80/chat-store/pkg/paramstore"
	"github.com/epw80/chat-store/pkg/storage"
)

const usage = `usage: chatstore <command> [flags]

commands:
  health                           check the table is reachable
  get     -user U -conv C          print conversation metadata
  list    -user U -conv C          print one page of messages
  export  -user U -conv C          print the conversation as a chat record
  delete  -user U -conv C          delete a conversation and its messages
  tag     -user U -conv C -tag T   add a tag
  untag   -user U -conv C -tag T   remove a tag
  search  -user U -tag T           list conversations carrying a tag
`

var errUsage = errors.New("invalid usage")

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger with configured level
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := resolveTableName(ctx, cfg); err != nil {
		logger.Error("failed to resolve table name",
			slog.String("error", err.Error()),
			slog.String("parameter", cfg.TableNameParameter))
		os.Exit(1)
	}

	logger.Info("loaded configuration",
		slog.String("dynamodb_endpoint", cfg.DynamoDBEndpoint),
		slog.String("dynamodb_region", cfg.DynamoDBRegion),
		slog.String("table", cfg.TableName),
		slog.String("log_level", cfg.LogLevel))

	repo, err := storage.NewDynamoDBRepository(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize repository", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer repo.Close()

	if err := run(ctx, os.Args[1:], repo, os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		logger.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// resolveTableName replaces cfg.TableName with the value stored in SSM when
// TABLE_NAME_PARAMETER is set.
func resolveTableName(ctx context.Context, cfg *config.Config) error {
	if cfg.TableNameParameter == "" {
		return nil
	}

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}

	params, err := paramstore.New(ssm.NewFromConfig(awsCfg))
	if err != nil {
		return err
	}

	name, err := paramstore.ResolveTableName(ctx, params, cfg.TableNameParameter, cfg.TableName)
	if err != nil {
		return err
	}

	cfg.TableName = name
	return nil
}

// run executes one command against repo, writing JSON results to out.
func run(ctx context.Context, args []string, repo storage.ConversationRepository, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd := args[0]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	userID := fs.String("user", "", "user ID")
	convID := fs.String("conv", "", "conversation ID")
	tag := fs.String("tag", "", "tag")
	limit := fs.Int("limit", 0, "page size or result limit")
	cursor := fs.String("cursor", "", "continuation cursor from a previous list")
	desc := fs.Bool("desc", false, "list newest messages first")

	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	switch cmd {
	case "health":
		if err := repo.HealthCheck(ctx); err != nil {
			return err
		}
		return writeJSON(out, map[string]string{"status": "ok"})

	case "get":
		md, err := repo.GetMetadata(ctx, *userID, *convID)
		if err != nil {
			return err
		}
		if md == nil {
			return fmt.Errorf("conversation %s not found", *convID)
		}
		return writeJSON(out, md)

	case "list":
		page, err := repo.ListMessages(ctx, *userID, *convID, storage.ListOptions{
			Limit:      *limit,
			Cursor:     *cursor,
			Descending: *desc,
		})
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]any{
			"messages":    page.Messages,
			"next_cursor": page.NextCursor,
		})

	case "export":
		conv, err := repo.ExportConversation(ctx, *userID, *convID)
		if err != nil {
			return err
		}
		if conv == nil {
			return fmt.Errorf("conversation %s not found", *convID)
		}
		return writeJSON(out, conv)

	case "delete":
		if err := repo.DeleteConversation(ctx, *userID, *convID); err != nil {
			return err
		}
		return writeJSON(out, map[string]string{"deleted": *convID})

	case "tag":
		md, err := repo.AddTag(ctx, *userID, *convID, *tag)
		if err != nil {
			return err
		}
		return writeJSON(out, md)

	case "untag":
		removed, err := repo.RemoveTag(ctx, *userID, *convID, *tag)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]bool{"removed": removed})

	case "search":
		results, err := repo.SearchByTag(ctx, *userID, *tag, *limit)
		if err != nil {
			return err
		}
		return writeJSON(out, results)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
