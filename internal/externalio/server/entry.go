// HTTP server to expose discovery and querying of metric data to other programs only on the local system
package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"net/http"
	"strconv"
	"strings"
)

// Read in web static files at compile time
//
//go:embed static-files/metric-help.html
var webFiles embed.FS

// Wraps a handler so only GET reaches it
func getOnly(handler func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(serverResponder http.ResponseWriter, clientRequest *http.Request) {
		if clientRequest.Method != http.MethodGet {
			serverResponder.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handler(serverResponder, clientRequest)
	}
}

// Sets up HTTP listener configuration for metric querying
func SetupListener(ctx context.Context, port int, backends Backends) (server *http.Server, err error) {
	requestMultiplexer := http.NewServeMux()

	helpPage, err := webFiles.ReadFile("static-files/metric-help.html")
	if err != nil {
		err = fmt.Errorf("failed reading metric help html page from internal fs: %w", err)
		return
	}

	// Replace variables in html with globals
	replacer := strings.NewReplacer(
		"@@LISTEN_ADDR@@", global.HTTPListenAddr,
		"@@LISTEN_PORT@@", strconv.Itoa(port),
		"@@DATA_PATH@@", global.DataPath,
		"@@DISCOVER_PATH@@", global.DiscoveryPath,
		"@@AGGREGATION_PATH@@", global.AggregationPath,
		"@@STATUS_PATH@@", global.StatusPath,
	)
	helpPage = []byte(replacer.Replace(string(helpPage)))

	// Root help page
	requestMultiplexer.HandleFunc("/", getOnly(func(serverResponder http.ResponseWriter, clientRequest *http.Request) {
		if clientRequest.URL.Path != "/" {
			serverResponder.WriteHeader(http.StatusNotFound)
			return
		}
		serverResponder.Header().Set("Content-Type", "text/html; charset=utf-8")
		serverResponder.WriteHeader(http.StatusOK)
		serverResponder.Write(helpPage)
	}))

	// Query paths accept a trailing namespace
	queryRoutes := map[string]func(http.ResponseWriter, *http.Request){
		global.DiscoveryPath: func(serverResponder http.ResponseWriter, clientRequest *http.Request) {
			handleDiscovery(ctx, backends.Discover, serverResponder, clientRequest)
		},
		global.DataPath: func(serverResponder http.ResponseWriter, clientRequest *http.Request) {
			handleData(ctx, backends.Search, serverResponder, clientRequest)
		},
		global.AggregationPath: func(serverResponder http.ResponseWriter, clientRequest *http.Request) {
			handleAggregation(ctx, backends.Aggregate, serverResponder, clientRequest)
		},
	}
	for path, handler := range queryRoutes {
		requestMultiplexer.HandleFunc(path, getOnly(handler))
		requestMultiplexer.HandleFunc(path+"/", getOnly(handler))
	}
	requestMultiplexer.HandleFunc(global.StatusPath, getOnly(func(serverResponder http.ResponseWriter, clientRequest *http.Request) {
		if backends.Status == nil {
			serverResponder.WriteHeader(http.StatusNotFound)
			return
		}
		jResp(ctx, serverResponder, backends.Status())
	}))

	// Server configuration
	server = &http.Server{
		Addr:         global.HTTPListenAddr + ":" + strconv.Itoa(port),
		Handler:      requestMultiplexer,
		ReadTimeout:  global.HTTPReadTimeout,
		WriteTimeout: global.HTTPWriteTimeout,
		IdleTimeout:  global.HTTPIdleTimeout,
		ErrorLog:     log.New(httpLogWriter{ctx: ctx}, "", 0),
	}
	return
}

// Starts the metric HTTP server and waits for requests.
// Returns nil once the server is shut down.
func Start(ctx context.Context, server *http.Server) (err error) {
	logctx.LogEvent(ctx, global.VerbosityStandard, global.InfoLog, "Metric query server starting on %s (http://%s/)\n",
		server.Addr,
		server.Addr,
	)
	err = server.ListenAndServe()
	if err == http.ErrServerClosed {
		err = nil
	} else if err != nil {
		logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "Metric query server failed to start: %v\n", err)
	}
	return
}

// Encodes JSON and sends as response body
func jResp(ctx context.Context, serverResponder http.ResponseWriter, content any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(content); err != nil {
		serverResponder.WriteHeader(http.StatusInternalServerError)
		logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "Failed marshaling metric results: %v\n", err)
		return
	}
	serverResponder.Header().Set("Content-Type", "application/json")
	serverResponder.WriteHeader(http.StatusOK)
	serverResponder.Write(buf.Bytes())
}

// Logs HTTP server errors to internal program buffer (via context logger)
func (logWriter httpLogWriter) Write(p []byte) (n int, err error) {
	n = len(p)
	if n == 0 {
		return
	}
	logctx.LogEvent(
		logWriter.ctx,
		global.VerbosityStandard,
		global.ErrorLog,
		"%s\n", strings.TrimSpace(string(p)),
	)
	return
}
