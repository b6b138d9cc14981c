package main

import (
	"flag"
	"os"

	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	emodel "github.com/m-lab/speedcore/pkg/engine/model"
	latency1model "github.com/m-lab/speedcore/pkg/latency1/model"
	"github.com/m-lab/speedcore/pkg/throughput1/model"

	"cloud.google.com/go/bigquery"
)

var (
	throughput1Schema string
	latency1Schema    string
	resultSchema      string
)

func init() {
	flag.StringVar(&throughput1Schema, "throughput1", "/var/spool/datatypes/throughput1.json", "filename to write throughput1 schema")
	flag.StringVar(&latency1Schema, "latency1", "/var/spool/datatypes/latency1.json", "filename to write latency1 schema")
	flag.StringVar(&resultSchema, "result", "/var/spool/datatypes/speedcore.json", "filename to write the client result schema")
}

// writeSchema infers the BigQuery schema of v and writes it to path.
func writeSchema(name string, v any, path string) {
	sch, err := bigquery.InferSchema(v)
	rtx.Must(err, "failed to generate %s schema", name)
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal %s schema", name)
	err = os.WriteFile(path, b, 0o644)
	rtx.Must(err, "failed to write %s schema", name)
}

func main() {
	flag.Parse()
	// Generate and save schemas for autoloading.
	writeSchema("throughput1", model.Throughput1Result{}, throughput1Schema)
	writeSchema("latency1", latency1model.ArchivalData{}, latency1Schema)
	writeSchema("result", emodel.MeasurementResult{}, resultSchema)
}
