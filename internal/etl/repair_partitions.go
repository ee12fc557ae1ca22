package etl

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
)

type RepairResult struct {
	Ok        bool   `json:"ok"`
	QueryID   string `json:"query_id,omitempty"`
	State     string `json:"state,omitempty"`
	Database  string `json:"database,omitempty"`
	Table     string `json:"table,omitempty"`
	Workgroup string `json:"workgroup,omitempty"`
	Output    string `json:"output,omitempty"`
}

// RepairPartitions runs MSCK REPAIR TABLE on the sync-metrics table so
// Athena picks up partition keys written since the last run.
//
// Env:
// - ATHENA_DATABASE (required)
// - SYNC_METRICS_TABLE (required)
// - ATHENA_OUTPUT_S3 (required, s3://bucket/prefix/)
// - ATHENA_WORKGROUP (default "primary")
func RepairPartitions(ctx context.Context, cfg aws.Config) (RepairResult, error) {
	db := strings.TrimSpace(os.Getenv("ATHENA_DATABASE"))
	table := strings.TrimSpace(os.Getenv("SYNC_METRICS_TABLE"))
	workgroup := strings.TrimSpace(os.Getenv("ATHENA_WORKGROUP"))
	output := strings.TrimSpace(os.Getenv("ATHENA_OUTPUT_S3"))

	if db == "" || table == "" || output == "" {
		return RepairResult{}, fmt.Errorf("missing env: ATHENA_DATABASE, SYNC_METRICS_TABLE, ATHENA_OUTPUT_S3 are required")
	}
	if !strings.HasPrefix(output, "s3://") {
		return RepairResult{}, fmt.Errorf("ATHENA_OUTPUT_S3 must start with s3://")
	}
	if workgroup == "" {
		workgroup = "primary"
	}

	ath := athena.NewFromConfig(cfg)

	startOut, err := ath.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString: aws.String(fmt.Sprintf("MSCK REPAIR TABLE %s;", table)),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(db),
		},
		WorkGroup: aws.String(workgroup),
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(output),
		},
	})
	if err != nil {
		return RepairResult{}, fmt.Errorf("StartQueryExecution: %w", err)
	}

	qid := aws.ToString(startOut.QueryExecutionId)
	fmt.Printf("etl: repair started: qid=%s db=%s table=%s wg=%s\n", qid, db, table, workgroup)

	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		st, err := ath.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(qid),
		})
		if err != nil {
			return RepairResult{QueryID: qid}, fmt.Errorf("GetQueryExecution: %w", err)
		}
		state := string(st.QueryExecution.Status.State)
		switch state {
		case "SUCCEEDED":
			fmt.Printf("etl: repair succeeded: qid=%s\n", qid)
			return RepairResult{
				Ok:        true,
				QueryID:   qid,
				State:     state,
				Database:  db,
				Table:     table,
				Workgroup: workgroup,
				Output:    output,
			}, nil
		case "FAILED", "CANCELLED":
			reason := aws.ToString(st.QueryExecution.Status.StateChangeReason)
			return RepairResult{QueryID: qid, State: state}, fmt.Errorf("repair %s: %s", state, reason)
		}
		time.Sleep(2 * time.Second)
	}

	return RepairResult{QueryID: qid, State: "TIMEOUT"}, fmt.Errorf("repair timed out waiting for qid=%s", qid)
}
