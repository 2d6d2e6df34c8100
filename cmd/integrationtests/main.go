package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/cachefetch/cachefetch"
)

var Scenarios []IntegrationTestScenario

//A IntegrationTestScenario tests a specific fetch/cache interaction which can
// consist of multiple fetches. Every scenario starts with a fresh client and
// an empty store.
type IntegrationTestScenario struct {
	//The name of the scenario
	Name string

	//NewClient builds the client under test, the origin server address is
	// decided at runtime
	NewClient func() *cachefetch.Client

	//The steps to be executed in order
	Steps []IntegrationTestScenarioStep
}

type IntegrationTestScenarioStep struct {
	//The Name of the test step
	Name string

	//Path of the resource fetched from the origin server
	Path string

	//Options passed to the fetch, nil means defaults
	Options *cachefetch.FetchOptions

	//True if this step should cause a request to the origin server
	ExpectRequestToOrigin bool

	//The origin server http handler active during this step
	OriginHandler http.HandlerFunc

	//ResultChecker checks the outcome of the fetch
	ResultChecker func(result *cachefetch.FetchResult, err error) error
}

//OriginServerHandler forwards to the handler of the active step and counts
// the requests the client makes to the origin.
type OriginServerHandler struct {
	hits    int64
	handler atomic.Value
}

func (o *OriginServerHandler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	atomic.AddInt64(&o.hits, 1)
	o.handler.Load().(http.HandlerFunc)(resp, req)
}

func (o *OriginServerHandler) Hits() int64 {
	return atomic.LoadInt64(&o.hits)
}

func main() {

	originHandler := &OriginServerHandler{}
	originHandler.handler.Store(http.HandlerFunc(http.NotFound))

	originServer := &http.Server{
		Handler: originHandler,
	}

	originListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	originURL := "http://" + originListener.Addr().String()
	fmt.Println("Starting origin server on", originURL)

	//Start the origin server in a separate goroutine
	go func() {
		panic(originServer.Serve(originListener))
	}()

	for _, scenario := range Scenarios {
		fmt.Println("Testing scenario:", scenario.Name)

		client := scenario.NewClient()

		for _, step := range scenario.Steps {
			fmt.Println("Testing step:", step.Name)

			originHandler.handler.Store(step.OriginHandler)
			hitsBefore := originHandler.Hits()

			result, err := client.Fetch(context.Background(), originURL+step.Path, step.Options)

			//The client is synchronous, any origin round trip it made has
			// completed by now
			gotRequest := originHandler.Hits() > hitsBefore
			if gotRequest && !step.ExpectRequestToOrigin {
				fmt.Printf("Scenario '%s' failed on step '%s': client contacted the origin while not expected to\n", scenario.Name, step.Name)
				os.Exit(1)
			}
			if !gotRequest && step.ExpectRequestToOrigin {
				fmt.Printf("Scenario '%s' failed on step '%s': expected the client to contact the origin but it never did\n", scenario.Name, step.Name)
				os.Exit(1)
			}

			if err := step.ResultChecker(result, err); err != nil {
				fmt.Printf("Scenario '%s' failed on step '%s': %s\n", scenario.Name, step.Name, err.Error())
				os.Exit(1)
			}

			fmt.Println("Step success:", step.Name)
		}

		fmt.Println("Scenario success:", scenario.Name)
	}

	fmt.Println("All scenarios passed")
}
