package main

import (
	"flag"
	"os"

	"cloud.google.com/go/bigquery"
	"github.com/m-lab/go/cloud/bqx"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/thankyou/pkg/results"
)

var thankyouSchema string

func init() {
	flag.StringVar(&thankyouSchema, "thankyou", "/var/spool/datatypes/thankyou.json", "filename to write thankyou schema")
}

func main() {
	flag.Parse()
	// Generate and save the archive schema for autoloading.
	sch, err := bigquery.InferSchema(results.Archive{})
	rtx.Must(err, "failed to generate thankyou schema")
	sch = bqx.RemoveRequired(sch)
	b, err := sch.ToJSONFields()
	rtx.Must(err, "failed to marshal thankyou schema")
	err = os.WriteFile(thankyouSchema, b, 0o644)
	rtx.Must(err, "failed to write thankyou schema")
}
