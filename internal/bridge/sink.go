package bridge

import (
	"log/slog"

	"github.com/khanhromvn/flexbrowser/internal/model"
)

// StoreSink writes view updates into the account store.
type StoreSink struct {
	Store *model.Store
}

func (s StoreSink) Navigated(accountID, tabID, url, title string) {
	if _, err := s.Store.Dispatch(model.ApplyNavigation{
		AccountID: accountID,
		TabID:     tabID,
		URL:       url,
		Title:     title,
	}); err != nil {
		// the tab may have been removed while the event was queued
		slog.Debug("apply navigation", "tab", tabID, "err", err)
	}
}

// Audible records st unless its tab has left the model.
func (s StoreSink) Audible(st model.AudioState) {
	if !s.Store.RecordAudio(st) {
		slog.Debug("audio for unknown tab ignored", "tab", st.TabID)
	}
}

func (s StoreSink) ViewClosed(tabID string) {
	if a := s.Store.Audio(); a != nil {
		a.Clear(tabID)
	}
}
