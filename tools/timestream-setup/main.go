// Command timestream-setup provisions the run-history database and table
// ahead of time, for deployments where the reconcile binaries run under a
// role that can write records but not create Timestream resources.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/pedro-hbl/recon-engine/pkg/history/timestream"
)

// Command line flags
var (
	region   = flag.String("region", "us-east-1", "AWS region")
	endpoint = flag.String("endpoint", "", "Custom Timestream endpoint (LocalStack)")
	database = flag.String("database", "ReconHistory", "History database name")
	table    = flag.String("table", "RunSummaries", "History table name")

	memoryHours  = flag.Int64("memory-retention-hours", 24, "Memory-store retention in hours")
	magneticDays = flag.Int64("magnetic-retention-days", 3650, "Magnetic-store retention in days")
)

func main() {
	flag.Parse()

	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ldate | log.Ltime)

	sink, err := timestream.NewSink(timestream.Config{
		Region:                *region,
		Endpoint:              *endpoint,
		DatabaseName:          *database,
		TableName:             *table,
		MemoryRetentionHours:  *memoryHours,
		MagneticRetentionDays: *magneticDays,
	})
	if err != nil {
		log.Fatalf("Error creating history sink: %v", err)
	}

	if err := sink.Initialize(context.Background()); err != nil {
		log.Fatalf("Error provisioning history storage: %v", err)
	}

	log.Printf("History database %s, table %s ready", *database, *table)
}
