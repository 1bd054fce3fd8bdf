package httputil

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/aclprop/pkg/acl"
)

// ParsePathInt64 extracts and parses an int64 path parameter
func ParsePathInt64(r *http.Request, key string) (int64, error) {
	vars := mux.Vars(r)
	str := vars[key]
	if str == "" {
		return 0, fmt.Errorf("missing path parameter: %s", key)
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %s", key, str)
	}
	return val, nil
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	vars := mux.Vars(r)
	str := vars[key]
	if str == "" {
		return "", fmt.Errorf("missing path parameter: %s", key)
	}
	return str, nil
}

// ParseObjectRef reads the {type} and {id} path parameters
func ParseObjectRef(r *http.Request) (acl.ObjectRef, error) {
	objectType, err := ParsePathString(r, "type")
	if err != nil {
		return acl.ObjectRef{}, err
	}
	id, err := ParsePathInt64(r, "id")
	if err != nil {
		return acl.ObjectRef{}, err
	}
	return acl.Ref(objectType, id), nil
}

// ParseObjectRefOrError reads the object reference and writes error on failure
func ParseObjectRefOrError(w http.ResponseWriter, r *http.Request) (acl.ObjectRef, bool) {
	obj, err := ParseObjectRef(r)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return acl.ObjectRef{}, false
	}
	return obj, true
}

// ParseQueryInt64 extracts and parses an int64 query parameter
func ParseQueryInt64(r *http.Request, key string, defaultVal int64) (int64, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for query param %s: %s", key, str)
	}
	return val, nil
}

// ParseQueryString extracts a string query parameter
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// ParseAction reads the action query parameter, defaulting to read
func ParseAction(r *http.Request) (acl.Action, error) {
	action := acl.Action(ParseQueryString(r, "action", string(acl.ActionRead)))
	switch action {
	case acl.ActionRead, acl.ActionUpdate, acl.ActionDelete, acl.ActionCreate:
		return action, nil
	default:
		return "", fmt.Errorf("invalid action: %s", action)
	}
}

// RequirePositive validates that an integer is positive
func RequirePositive(w http.ResponseWriter, value int64, fieldName string) bool {
	if value <= 0 {
		WriteBadRequest(w, fmt.Sprintf("%s must be positive", fieldName))
		return false
	}
	return true
}
