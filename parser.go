package pusudb

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"strconv"
	"strings"
)

func parse(route, currentPath string) (*Route, error) {
	query := make(map[string][]string)

	params := make(map[string]string)

	var wildcard *string
	matched := false
	if currentPath == "" {
		currentPath = "/"
	}
	pathAndQuery := strings.SplitN(currentPath, "?", 2)

	path := pathAndQuery[0]
	if len(pathAndQuery) > 1 {
		queryValues, err := url.ParseQuery(pathAndQuery[1])

		if err != nil {
			return nil, parseError(fmt.Errorf("invalid query string: %w", err))
		}
		query = queryValues
	}
	routeSegments := splitPath(route)

	pathSegments := splitPath(path)

	wildcardIndex := -1
	for i, routeSeg := range routeSegments {
		if routeSeg == "*" {
			wildcardIndex = i
			break
		}
	}
	if wildcardIndex >= 0 {
		remainingPath := ""
		if wildcardIndex < len(pathSegments) {
			remainingPath = strings.Join(pathSegments[wildcardIndex:], "/")

			if decodedPath, err := url.PathUnescape(remainingPath); err == nil {
				remainingPath = decodedPath
			}
		}
		wildcard = &remainingPath
		matched = matchSegments(routeSegments[:wildcardIndex], pathSegments[:min(wildcardIndex, len(pathSegments))], params)
	} else if len(routeSegments) == len(pathSegments) {
		matched = matchSegments(routeSegments, pathSegments, params)
	}
	if !matched {
		return nil, notFound(fmt.Sprintf("route %s does not match path %s", route, currentPath))
	}
	return &Route{
		Query:    query,
		Params:   params,
		Wildcard: wildcard,
	}, nil
}

func matchSegments(routeSegments, pathSegments []string, params map[string]string) bool {
	if len(routeSegments) > len(pathSegments) {
		return false
	}
	for i, routeSeg := range routeSegments {
		pathSeg := pathSegments[i]
		if strings.HasPrefix(routeSeg, ":") {
			if decodedValue, err := url.PathUnescape(pathSeg); err == nil {
				pathSeg = decodedValue
			}
			params[strings.TrimPrefix(routeSeg, ":")] = pathSeg
			continue
		}
		if routeSeg != pathSeg {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")

	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if path == "" {
		return []string{}
	}
	return strings.Split(path, "/")
}

// hasStreamOptions reports whether the operation takes range options.
func hasStreamOptions(operation Operation) bool {
	return operation.Kind == KindStream || operation.Kind == KindCount
}

// flatten keeps the first value of every query parameter.
func flatten(values url.Values) map[string]interface{} {
	fields := make(map[string]interface{}, len(values))
	for key, list := range values {
		if len(list) > 0 {
			fields[key] = list[0]
		}
	}
	return fields
}

// queryPayload turns the query string of a GET request into a payload.
func queryPayload(operation Operation, values url.Values) interface{} {
	if len(values) == 0 {
		return nil
	}
	fields := flatten(values)
	if _, ok := fields["hash"]; ok {
		return map[string]interface{}{"hash": fields["hash"]}
	}
	switch operation.Kind {
	case KindList:
		return parseList(values)
	case KindFilter:
		return convertFilterParam(fields)
	}
	return fields
}

// convertFilterParam keeps a lone value parameter and wraps any other set of
// parameters as the value to match.
func convertFilterParam(fields map[string]interface{}) map[string]interface{} {
	if _, ok := fields["value"]; ok && len(fields) == 1 {
		return fields
	}
	return map[string]interface{}{"value": fields}
}

// parseList decodes list queries of the form
// name=db,meta,option value,option value.
func parseList(values url.Values) []interface{} {
	queries := make([]interface{}, 0, len(values))
	for name, list := range values {
		if len(list) == 0 {
			continue
		}
		parts := strings.Split(list[0], ",")
		query := map[string]interface{}{"name": name}
		if len(parts) > 0 {
			query["db"] = parts[0]
		}
		if len(parts) > 1 {
			query["meta"] = parts[1]
		}
		data := make(map[string]interface{})
		for _, option := range parts[min(2, len(parts)):] {
			key, value, _ := strings.Cut(option, " ")
			data[key] = listValue(value)
		}
		query["data"] = data
		queries = append(queries, query)
	}
	return queries
}

func listValue(raw string) interface{} {
	switch raw {
	case "true":
		return true
	case "false", "0":
		return false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return raw
}

// formPayload turns an url-encoded body into a payload.
func formPayload(operation Operation, values url.Values) interface{} {
	fields := flatten(values)
	switch {
	case hasStreamOptions(operation):
		return fields
	case operation.Kind == KindFilter:
		if value, ok := fields["value"]; ok {
			return map[string]interface{}{"value": value}
		}
		return map[string]interface{}{"value": fields}
	}
	payload := make(map[string]interface{}, 2)
	if key, _ := fields["key"].(string); key != "" {
		payload["key"] = key
	}
	if value, ok := fields["value"]; ok {
		payload["value"] = value
	} else {
		delete(fields, "key")
		payload["value"] = fields
	}
	return payload
}

// bodyPayload decodes a POST body according to its content type.
func bodyPayload(operation Operation, contentType string, body []byte) (interface{}, error) {
	if len(body) == 0 {
		return nil, nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)

	switch mediaType {
	case "application/json":
		var data interface{}
		if err := json.Unmarshal(body, &data); err != nil {
			return nil, parseError(err)
		}
		return data, nil
	case "application/x-www-form-urlencoded", "":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, parseError(err)
		}
		return formPayload(operation, values), nil
	}
	return nil, badRequest(fmt.Sprintf("unsupported content type %q", mediaType)).withKind(ParseError)
}
