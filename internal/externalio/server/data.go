package server

import (
	"context"
	"meqserver/internal/global"
	"meqserver/internal/metrics"
	"net/http"
	"strings"
	"time"
)

func requestNamespace(clientRequest *http.Request, prefix string) (namespace []string) {
	namespace = metrics.SplitNamespace(strings.TrimPrefix(clientRequest.URL.Path, prefix))
	return
}

// Handles metric search requests based on time for data
func handleData(baseCtx context.Context, search DataSearcher, serverResponder http.ResponseWriter, clientRequest *http.Request) {
	reqNamespace := requestNamespace(clientRequest, global.DataPath)
	reqName := clientRequest.FormValue("name")

	reqStartTime, reqEndTime, err := parseWindow(clientRequest, time.Now())
	if err != nil {
		serverResponder.WriteHeader(http.StatusBadRequest)
		return
	}

	// Query internal metric registry
	rawResults := search(reqName, reqNamespace, reqStartTime, reqEndTime)

	var results []metrics.JMetric
	for _, rawResult := range rawResults {
		results = append(results, rawResult.Convert())
	}

	if len(results) == 0 {
		jResp(baseCtx, serverResponder, Jerror{Msg: "Search returned no results"})
	} else {
		jResp(baseCtx, serverResponder, results)
	}
}
