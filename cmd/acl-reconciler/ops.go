package main

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/aclprop/pkg/acl"
	"github.com/platinummonkey/aclprop/pkg/httputil"
)

// opsHandlers exposes the reconciler to operators
type opsHandlers struct {
	manager *acl.Manager
	rec     *reconciler
}

func registerOpsRoutes(router *mux.Router, manager *acl.Manager, rec *reconciler) {
	h := &opsHandlers{manager: manager, rec: rec}
	router.HandleFunc("/acl/rules", h.listRules).Methods(http.MethodGet)
	router.HandleFunc("/acl/reconcile", h.reconcile).Methods(http.MethodPost)
	router.HandleFunc("/acl/check/{type}/{id:[0-9]+}", h.check).Methods(http.MethodGet)
}

func (h *opsHandlers) listRules(w http.ResponseWriter, r *http.Request) {
	entries := h.manager.RuleSet().Entries()
	if entries == nil {
		entries = []acl.RuleSetEntry{}
	}
	httputil.WriteJSON(w, http.StatusOK, entries)
}

func (h *opsHandlers) reconcile(w http.ResponseWriter, r *http.Request) {
	result, ran, err := h.rec.run(r.Context())
	if err != nil {
		httputil.WriteACLError(w, err)
		return
	}
	if !ran {
		httputil.WriteConflict(w, "reconciliation already running")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (h *opsHandlers) check(w http.ResponseWriter, r *http.Request) {
	obj, ok := httputil.ParseObjectRefOrError(w, r)
	if !ok {
		return
	}
	personID, err := httputil.ParseQueryInt64(r, "person", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if !httputil.RequirePositive(w, personID, "person") {
		return
	}
	action, err := httputil.ParseAction(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.manager.CheckPermission(r.Context(), acl.PermissionCheck{
		Actor:  &acl.Person{ID: personID},
		Action: action,
		Object: obj,
	})
	if err != nil {
		httputil.WriteACLError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}
