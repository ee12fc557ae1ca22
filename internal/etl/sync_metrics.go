package etl

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
)

// SyncMetricsRow matches the Glue daily_sync_metrics table columns.
type SyncMetricsRow struct {
	StoreDomain       string  `parquet:"name=store_domain, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	MetricDate        string  `parquet:"name=metric_date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"` // YYYY-MM-DD
	OrdersSynced      int64   `parquet:"name=orders_synced, type=INT64"`
	OrdersCompleted   int64   `parquet:"name=orders_completed, type=INT64"`
	OrdersFailed      int64   `parquet:"name=orders_failed, type=INT64"`
	OrdersCancelled   int64   `parquet:"name=orders_cancelled, type=INT64"`
	OrdersAwaitingRx  int64   `parquet:"name=orders_awaiting_rx, type=INT64"`
	LensOrders        int64   `parquet:"name=lens_orders, type=INT64"`
	GrossSales        float64 `parquet:"name=gross_sales, type=DOUBLE"`
	TotalTax          float64 `parquet:"name=total_tax, type=DOUBLE"`
	WebhookRetryTotal int64   `parquet:"name=webhook_retry_total, type=INT64"`
}

type SyncMetricsETL struct {
	ddb *dynamodb.Client
	s3  *s3.Client
	cfg aws.Config
}

func NewSyncMetricsETL(cfg aws.Config) *SyncMetricsETL {
	return &SyncMetricsETL{
		ddb: dynamodb.NewFromConfig(cfg),
		s3:  s3.NewFromConfig(cfg),
		cfg: cfg,
	}
}

// Handle is triggered by EventBridge schedule.
//
// Behavior:
//   - Discover connected store domains from STORES_TABLE
//   - For each store and each day in the backfill window, aggregate external
//     order records from ORDERS_TABLE
//   - Write one Parquet row per (store, dt) under:
//     daily_sync_metrics/dt=YYYY-MM-DD/store_domain=<domain>/part-<rand>.parquet
//   - Repair table partitions so Athena sees the new keys
//
// Env:
// - STORES_TABLE (required)
// - ORDERS_TABLE (required)
// - ANALYTICS_BUCKET (required)
// - SYNC_METRICS_PREFIX (default "daily_sync_metrics/")
// - ETL_DAYS_BACK (default "1")  // number of days including today
func (h *SyncMetricsETL) Handle(ctx context.Context, _ events.CloudWatchEvent) (map[string]any, error) {
	storesTable := strings.TrimSpace(os.Getenv("STORES_TABLE"))
	ordersTable := strings.TrimSpace(os.Getenv("ORDERS_TABLE"))

	bucket := strings.TrimSpace(os.Getenv("ANALYTICS_BUCKET"))
	prefix := strings.TrimSpace(os.Getenv("SYNC_METRICS_PREFIX"))
	if prefix == "" {
		prefix = "daily_sync_metrics/"
	}

	daysBack := 1
	if v := strings.TrimSpace(os.Getenv("ETL_DAYS_BACK")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 90 {
			daysBack = n
		}
	}

	if storesTable == "" {
		return nil, fmt.Errorf("missing env STORES_TABLE")
	}
	if ordersTable == "" {
		return nil, fmt.Errorf("missing env ORDERS_TABLE")
	}
	if bucket == "" {
		return nil, fmt.Errorf("missing env ANALYTICS_BUCKET")
	}

	domains, err := h.listConnectedDomains(ctx, storesTable)
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		return map[string]any{"ok": true, "written": 0, "reason": "no stores found"}, nil
	}

	now := time.Now().UTC()
	written := 0
	totalOrders := int64(0)

	for i := 0; i < daysBack; i++ {
		dtStr := now.AddDate(0, 0, -i).Format("2006-01-02")

		for _, domain := range domains {
			row, err := h.aggregateStoreDay(ctx, ordersTable, domain, dtStr)
			if err != nil {
				return nil, fmt.Errorf("aggregate store=%s dt=%s: %w", domain, dtStr, err)
			}

			key := fmt.Sprintf("%sdt=%s/store_domain=%s/part-%s.parquet",
				ensureTrailingSlash(prefix),
				dtStr,
				domain,
				randHex(8),
			)

			if err := h.writeOneParquetRowToS3(ctx, bucket, key, row); err != nil {
				return nil, fmt.Errorf("write parquet for store=%s dt=%s: %w", domain, dtStr, err)
			}

			written++
			totalOrders += row.OrdersSynced
		}
	}

	repair, repairErr := RepairPartitions(ctx, h.cfg)
	if repairErr != nil {
		// fresh rows are on S3 either way; the next run repairs again
		fmt.Printf("etl: partition repair failed: %v\n", repairErr)
	}

	return map[string]any{
		"ok":          true,
		"stores":      len(domains),
		"days_back":   daysBack,
		"written":     written,
		"order_count": totalOrders,
		"bucket":      bucket,
		"prefix":      prefix,
		"repair":      repair,
	}, nil
}

// listConnectedDomains scans STORES_TABLE for active store domains.
func (h *SyncMetricsETL) listConnectedDomains(ctx context.Context, table string) ([]string, error) {
	seen := map[string]bool{}
	domains := make([]string, 0, 64)

	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := h.ddb.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(table),
			ExclusiveStartKey: startKey,
			FilterExpression:  aws.String("#status = :active"),
			ExpressionAttributeNames: map[string]string{
				"#status": "Status",
				"#domain": "Domain",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":active": &ddbtypes.AttributeValueMemberS{Value: "active"},
			},
			ProjectionExpression: aws.String("#domain"),
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan %s: %w", table, err)
		}

		for _, it := range out.Items {
			if v, ok := it["Domain"]; ok {
				if sv, ok2 := v.(*ddbtypes.AttributeValueMemberS); ok2 {
					d := strings.ToLower(strings.TrimSpace(sv.Value))
					if d == "" || seen[d] {
						continue
					}
					seen[d] = true
					domains = append(domains, d)
				}
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return domains, nil
}

// aggregateStoreDay scans ORDERS_TABLE for one store + one day. CreatedAt
// is RFC3339, so begins_with("YYYY-MM-DD") selects the day.
func (h *SyncMetricsETL) aggregateStoreDay(ctx context.Context, ordersTable, domain, dayYYYYMMDD string) (SyncMetricsRow, error) {
	row := SyncMetricsRow{
		StoreDomain: domain,
		MetricDate:  dayYYYYMMDD,
	}

	var startKey map[string]ddbtypes.AttributeValue
	for {
		out, err := h.ddb.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(ordersTable),
			ExclusiveStartKey: startKey,

			FilterExpression: aws.String("#domain = :domain AND begins_with(#createdAt, :day)"),
			ExpressionAttributeNames: map[string]string{
				"#domain":    "StoreDomain",
				"#createdAt": "CreatedAt",
				"#status":    "SyncStatus",
				"#total":     "TotalPrice",
				"#tax":       "TotalTax",
				"#awaiting":  "AwaitingPrescription",
				"#lens":      "LensRecommendation",
				"#retries":   "RetryCount",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":domain": &ddbtypes.AttributeValueMemberS{Value: domain},
				":day":    &ddbtypes.AttributeValueMemberS{Value: dayYYYYMMDD},
			},
			ProjectionExpression: aws.String("#status, #total, #tax, #awaiting, #lens, #retries"),
		})
		if err != nil {
			return row, fmt.Errorf("scan orders table: %w", err)
		}

		for _, it := range out.Items {
			row.OrdersSynced++

			if sv, ok := it["SyncStatus"].(*ddbtypes.AttributeValueMemberS); ok {
				switch sv.Value {
				case "completed":
					row.OrdersCompleted++
				case "failed":
					row.OrdersFailed++
				case "cancelled":
					row.OrdersCancelled++
				}
			}
			if bv, ok := it["AwaitingPrescription"].(*ddbtypes.AttributeValueMemberBOOL); ok && bv.Value {
				row.OrdersAwaitingRx++
			}
			if lv, ok := it["LensRecommendation"].(*ddbtypes.AttributeValueMemberS); ok && strings.TrimSpace(lv.Value) != "" {
				row.LensOrders++
			}
			if nv, ok := it["TotalPrice"].(*ddbtypes.AttributeValueMemberN); ok {
				if amt, perr := strconv.ParseFloat(nv.Value, 64); perr == nil {
					row.GrossSales += amt
				}
			}
			if nv, ok := it["TotalTax"].(*ddbtypes.AttributeValueMemberN); ok {
				if amt, perr := strconv.ParseFloat(nv.Value, 64); perr == nil {
					row.TotalTax += amt
				}
			}
			if nv, ok := it["RetryCount"].(*ddbtypes.AttributeValueMemberN); ok {
				if n, perr := strconv.ParseInt(nv.Value, 10, 64); perr == nil {
					row.WebhookRetryTotal += n
				}
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	return row, nil
}

func (h *SyncMetricsETL) writeOneParquetRowToS3(ctx context.Context, bucket, key string, row SyncMetricsRow) error {
	tmpDir := os.TempDir()
	localPath := filepath.Join(tmpDir, "daily_sync_metrics_"+randHex(8)+".parquet")

	fw, err := local.NewLocalFileWriter(localPath)
	if err != nil {
		return fmt.Errorf("parquet file writer: %w", err)
	}

	pw, err := writer.NewParquetWriter(fw, new(SyncMetricsRow), 1)
	if err != nil {
		_ = fw.Close()
		return fmt.Errorf("parquet writer: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.PageSize = 8 * 1024
	pw.CompressionType = 0 // no snappy

	if err := pw.Write(row); err != nil {
		_ = pw.WriteStop()
		_ = fw.Close()
		return fmt.Errorf("parquet write row: %w", err)
	}
	if err := pw.WriteStop(); err != nil {
		_ = fw.Close()
		return fmt.Errorf("parquet write stop: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("parquet close: %w", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("read parquet tmp: %w", err)
	}
	defer func() { _ = os.Remove(localPath) }()

	_, err = h.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		ACL:         s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("s3 putobject failed: %w", err)
	}
	return nil
}

func ensureTrailingSlash(s string) string {
	if s == "" {
		return ""
	}
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
