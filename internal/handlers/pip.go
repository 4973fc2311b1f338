package handlers

import (
	"fmt"
	"net/http"

	"github.com/khanhromvn/flexbrowser/internal/pip"
	"github.com/khanhromvn/flexbrowser/internal/web"
)

func (h *Handlers) HandlePip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL   string  `json:"url"`
		Time  float64 `json:"time"`
		TabID string  `json:"tabId"`
	}
	if err := decode(w, r, &req); err != nil {
		web.Error(w, 400, err)
		return
	}
	if req.URL == "" && req.TabID == "" {
		web.Error(w, 400, fmt.Errorf("url or tabId required"))
		return
	}
	if req.URL == "" {
		_, tab, ok := h.Store.FindTab(req.TabID)
		if !ok {
			web.ErrorCode(w, 404, "not_found", "tab not found", false, nil)
			return
		}
		req.URL = tab.URL
	}

	res, err := h.Pip.Open(r.Context(), pip.Request{URL: req.URL, Time: req.Time, SourceTabID: req.TabID})
	if err != nil {
		web.Error(w, 500, fmt.Errorf("open pip: %w", err))
		return
	}
	web.JSON(w, 200, res)
}
