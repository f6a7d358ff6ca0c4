package main

import (
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"outbound-rate-limiter/internal/factory"
	"outbound-rate-limiter/internal/lambdahandler"
	"outbound-rate-limiter/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	admissionService := f.ServiceFactory().AdmissionService()
	h := lambdahandler.New(admissionService, f.Metrics(), util.Get())

	lambda.Start(h.Handle)
}
