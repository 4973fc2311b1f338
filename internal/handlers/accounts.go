package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/khanhromvn/flexbrowser/internal/idutil"
	"github.com/khanhromvn/flexbrowser/internal/model"
	"github.com/khanhromvn/flexbrowser/internal/web"
)

func (h *Handlers) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	web.JSON(w, 200, map[string]any{"accounts": h.Store.Accounts()})
}

func (h *Handlers) HandleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Email  string `json:"email"`
		Avatar string `json:"avatar"`
		Guest  bool   `json:"guest"`
		URL    string `json:"url"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	if req.Name == "" {
		web.Error(w, 400, fmt.Errorf("name required"))
		return
	}

	acc := model.Account{
		ID:     idutil.AccountID(),
		Name:   req.Name,
		Email:  req.Email,
		Avatar: req.Avatar,
		Guest:  req.Guest,
		Tabs:   []model.Tab{},
	}
	change, err := h.Store.Dispatch(model.AddAccount{Account: acc})
	if err != nil {
		storeError(w, err)
		return
	}
	if req.URL != "" {
		change, err = h.Store.Dispatch(model.AddTab{AccountID: acc.ID, Tab: model.Tab{ID: idutil.TabID(), URL: req.URL}})
		if err != nil {
			storeError(w, err)
			return
		}
	}
	web.JSON(w, 201, change.Account)
}

func (h *Handlers) HandleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name   *string `json:"name"`
		Email  *string `json:"email"`
		Avatar *string `json:"avatar"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	acc, ok := h.Store.Account(id)
	if !ok {
		storeError(w, fmt.Errorf("%w: %s", model.ErrAccountNotFound, id))
		return
	}
	if req.Name != nil {
		acc.Name = *req.Name
	}
	if req.Email != nil {
		acc.Email = *req.Email
	}
	if req.Avatar != nil {
		acc.Avatar = *req.Avatar
	}
	change, err := h.Store.Dispatch(model.UpdateAccount{Account: acc})
	if err != nil {
		storeError(w, err)
		return
	}
	web.JSON(w, 200, change.Account)
}

func (h *Handlers) HandleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	change, err := h.Store.Dispatch(model.RemoveAccount{AccountID: r.PathValue("id")})
	if err != nil {
		storeError(w, err)
		return
	}
	web.JSON(w, 200, map[string]any{"removed": change.AccountID, "removedTabs": change.RemovedTabs})
}

func (h *Handlers) HandleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Email string `json:"email"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	if req.Token == "" {
		web.Error(w, 400, fmt.Errorf("token required"))
		return
	}
	change, err := h.Store.Dispatch(model.SignIn{AccountID: r.PathValue("id"), Token: req.Token, Email: req.Email})
	if err != nil {
		storeError(w, err)
		return
	}
	web.JSON(w, 200, change.Account)
}

func (h *Handlers) HandleAddTab(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	tab := model.Tab{ID: idutil.TabID(), URL: req.URL, Title: req.Title}
	change, err := h.Store.Dispatch(model.AddTab{AccountID: r.PathValue("id"), Tab: tab})
	if err != nil {
		storeError(w, err)
		return
	}
	h.showTab(r.Context(), change.AccountID, tab.ID)
	web.JSON(w, 201, change.Account)
}

func (h *Handlers) HandleUpdateTab(w http.ResponseWriter, r *http.Request) {
	accountID, tabID := r.PathValue("id"), r.PathValue("tabId")
	var req struct {
		URL      *string `json:"url"`
		Title    *string `json:"title"`
		Provider *string `json:"provider"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	acc, ok := h.Store.Account(accountID)
	if !ok {
		storeError(w, fmt.Errorf("%w: %s", model.ErrAccountNotFound, accountID))
		return
	}
	tab, ok := acc.Tab(tabID)
	if !ok {
		storeError(w, fmt.Errorf("%w: %s", model.ErrTabNotFound, tabID))
		return
	}
	if req.URL != nil && model.ValidURL(*req.URL) {
		tab.URL = *req.URL
		tab.Favicon = model.FaviconURL(*req.URL)
	}
	if req.Title != nil {
		tab.Title = *req.Title
	}
	if req.Provider != nil {
		tab.Provider = *req.Provider
	}
	change, err := h.Store.Dispatch(model.UpdateTab{AccountID: accountID, Tab: tab})
	if err != nil {
		storeError(w, err)
		return
	}
	web.JSON(w, 200, change.Account)
}

func (h *Handlers) HandleRemoveTab(w http.ResponseWriter, r *http.Request) {
	change, err := h.Store.Dispatch(model.RemoveTab{AccountID: r.PathValue("id"), TabID: r.PathValue("tabId")})
	if err != nil {
		storeError(w, err)
		return
	}
	web.JSON(w, 200, change.Account)
}

func (h *Handlers) HandleReorderTabs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order []string `json:"order"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	change, err := h.Store.Dispatch(model.ReorderTabs{AccountID: r.PathValue("id"), Order: req.Order})
	if err != nil {
		storeError(w, err)
		return
	}
	web.JSON(w, 200, change.Account)
}

func (h *Handlers) HandleSetActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TabID string `json:"tabId"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	change, err := h.Store.Dispatch(model.SetActiveTab{AccountID: r.PathValue("id"), TabID: req.TabID})
	if err != nil {
		storeError(w, err)
		return
	}
	h.showTab(r.Context(), change.AccountID, req.TabID)
	web.JSON(w, 200, change.Account)
}

// showTab brings the tab's view to the front, creating it if needed.
// Failures leave the model change in place and are only logged.
func (h *Handlers) showTab(ctx context.Context, accountID, tabID string) {
	if h.Bridge == nil {
		return
	}
	acc, ok := h.Store.Account(accountID)
	if !ok {
		return
	}
	tab, ok := acc.Tab(tabID)
	if !ok {
		return
	}
	page, err := h.Bridge.TabPage(ctx, acc, tab)
	if err != nil {
		slog.Warn("open tab view", "tab", tabID, "err", err)
		return
	}
	if err := page.Show(ctx); err != nil {
		slog.Debug("show tab view", "tab", tabID, "err", err)
	}
}
