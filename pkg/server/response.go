package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"incubator/pkg/incubator"
	"incubator/pkg/protocol"

	log "github.com/sirupsen/logrus"
)

// Global transaction counter
var txCounter atomic.Int32

// Error numbers reported in the response body.
const (
	ErrNumNotImplemented  = 0x400
	ErrNumInvalidValue    = 0x401
	ErrNumNotConnected    = 0x407
	ErrNumDriver          = 0x500
	ErrNumInvalidCommand  = 0x501
	ErrNumParse           = 0x502
	ErrNumTransport       = 0x503
	ErrNumIncubating      = 0x504
	ErrNumConnectionError = 0x505
)

type baseResponse struct {
	ClientTransactionID int    `json:"ClientTransactionID"`
	ServerTransactionID int    `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// parseParams returns the request parameters: the query for GET, the body
// otherwise. A JSON object body is accepted as well as a URL encoded one.
func parseParams(r *http.Request) (url.Values, error) {
	if r.Method == http.MethodGet || r.Body == nil {
		return r.URL.Query(), nil
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	// Reset the body so it can be read again later.
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return parseJSONParams(bodyBytes)
	}
	return url.ParseQuery(string(bodyBytes))
}

func parseJSONParams(body []byte) (url.Values, error) {
	values := url.Values{}
	if len(bytes.TrimSpace(body)) == 0 {
		return values, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %v", err)
	}
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			values.Set(k, val)
		case nil:
		default:
			values.Set(k, fmt.Sprint(val))
		}
	}
	return values, nil
}

// param looks up name ignoring case.
func param(params url.Values, name string) (string, bool) {
	for key, value := range params {
		if strings.EqualFold(key, name) && len(value) > 0 {
			return value[0], true
		}
	}
	return "", false
}

// getClientTxID obtains the client transaction ID. It is optional.
func getClientTxID(params url.Values) (int, error) {
	value, ok := param(params, "ClientTransactionID")
	if !ok {
		return 0, nil
	}
	id, err := strconv.Atoi(value)
	if err != nil || id < 0 {
		return 0, errors.New("ClientTransactionID must be a non-negative integer")
	}
	return id, nil
}

func floatParam(params url.Values, name string, def float64) (float64, error) {
	value, ok := param(params, name)
	if !ok || value == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &incubator.ValidationError{Field: name, Value: value}
	}
	return f, nil
}

func intParam(params url.Values, name string, def int) (int, error) {
	value, ok := param(params, name)
	if !ok || value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &incubator.ValidationError{Field: name, Value: value}
	}
	return n, nil
}

func boolParam(params url.Values, name string, def bool) (bool, error) {
	value, ok := param(params, name)
	if !ok || value == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, &incubator.ValidationError{Field: name, Value: value}
	}
	return b, nil
}

// errorNumber maps a driver error onto the error number of the response.
func errorNumber(err error) int {
	var (
		validErr     *incubator.ValidationError
		parseErr     *incubator.ParseError
		transportErr *incubator.TransportError
		connErr      *incubator.ConnectionError
		invalidCmd   *protocol.InvalidCommandError
	)

	switch {
	case errors.Is(err, ErrNotConnected), errors.Is(err, incubator.ErrClosed):
		return ErrNumNotConnected
	case errors.Is(err, ErrNotImplemented):
		return ErrNumNotImplemented
	case errors.Is(err, ErrIncubating):
		return ErrNumIncubating
	case errors.As(err, &validErr):
		return ErrNumInvalidValue
	case errors.As(err, &invalidCmd):
		return ErrNumInvalidCommand
	case errors.As(err, &parseErr):
		return ErrNumParse
	case errors.As(err, &transportErr):
		return ErrNumTransport
	case errors.As(err, &connErr):
		return ErrNumConnectionError
	}
	return ErrNumDriver
}

func handleResponse(w http.ResponseWriter, r *http.Request, value any) {
	params, _ := parseParams(r)
	txID, err := getClientTxID(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ClientTransactionID: txID,
	}
	if value != nil {
		response.Value = value
	}

	body, err := json.Marshal(response)
	if err != nil {
		log.Errorf("%s %s: unable to encode value %v: %v", r.Method, r.URL.Path, value, err)
		handleError(w, r, ErrNumDriver, fmt.Sprintf("unable to encode value: %v", err))
		return
	}
	writeJSON(w, body)
}

func handleError(w http.ResponseWriter, r *http.Request, code int, message string) {
	params, _ := parseParams(r)
	txID, _ := getClientTxID(params)

	response := baseResponse{
		ServerTransactionID: int(txCounter.Add(1)),
		ClientTransactionID: txID,
		ErrorNumber:         code,
		ErrorMessage:        message,
	}

	body, err := json.Marshal(response)
	if err != nil {
		log.Errorf("%s %s: unable to encode error response: %v", r.Method, r.URL.Path, err)
		http.Error(w, message, http.StatusInternalServerError)
		return
	}
	writeJSON(w, body)
}

func writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	body = append(body, '\n')
	if _, err := w.Write(body); err != nil {
		log.Debugf("write response: %v", err)
	}
}

// handle adapts fn to an http.HandlerFunc writing the response envelope.
func handle(fn func(r *http.Request, params url.Values) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := parseParams(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		value, err := fn(r, params)
		if err != nil {
			log.Debugf("%s %s: %v", r.Method, r.URL.Path, err)
			handleError(w, r, errorNumber(err), err.Error())
			return
		}
		handleResponse(w, r, value)
	}
}
