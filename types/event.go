package types

// EventKind tags an Event.
type EventKind uint8

const (
	EventNone EventKind = iota
	EventKeyPress
	EventKeyLongPress
	EventWifiConnected
	EventWifiDisconnected
	EventWifiScanDone
	EventBindSuccess
	EventBindFailed
	EventNewChatMessage
	EventAIResponseReady
	EventFileUpdated
	EventLowBattery
	EventBatteryOK
	EventOtaAvailable
	EventOtaComplete
	EventOtaFailed
	EventTimeout
	EventAPIError
	EventAPISuccess

	// Requests raised by the application state machine for other owners.
	EventProvisionRequested
	EventUpdateRequested
	EventRebindRequested
	EventFactoryResetRequested
	EventClearCacheRequested
	EventPowerModeToggled
	EventScreenTimeoutCycled
	EventTextSizeCycled
	EventKeyboardToggled
	EventContentRequested
	EventChatSendRequested
	EventAIMoreRequested
	EventAIQueryRequested
)

var eventNames = map[EventKind]string{
	EventNone:                  "none",
	EventKeyPress:              "key_press",
	EventKeyLongPress:          "key_long_press",
	EventWifiConnected:         "wifi_connected",
	EventWifiDisconnected:      "wifi_disconnected",
	EventWifiScanDone:          "wifi_scan_done",
	EventBindSuccess:           "bind_success",
	EventBindFailed:            "bind_failed",
	EventNewChatMessage:        "new_chat_message",
	EventAIResponseReady:       "ai_response_ready",
	EventFileUpdated:           "file_updated",
	EventLowBattery:            "low_battery",
	EventBatteryOK:             "battery_ok",
	EventOtaAvailable:          "ota_available",
	EventOtaComplete:           "ota_complete",
	EventOtaFailed:             "ota_failed",
	EventTimeout:               "timeout",
	EventAPIError:              "api_error",
	EventAPISuccess:            "api_success",
	EventProvisionRequested:    "provision_requested",
	EventUpdateRequested:       "update_requested",
	EventRebindRequested:       "rebind_requested",
	EventFactoryResetRequested: "factory_reset_requested",
	EventClearCacheRequested:   "clear_cache_requested",
	EventPowerModeToggled:      "power_mode_toggled",
	EventScreenTimeoutCycled:   "screen_timeout_cycled",
	EventTextSizeCycled:        "text_size_cycled",
	EventKeyboardToggled:       "keyboard_toggled",
	EventContentRequested:      "content_requested",
	EventChatSendRequested:     "chat_send_requested",
	EventAIMoreRequested:       "ai_more_requested",
	EventAIQueryRequested:      "ai_query_requested",
}

func (k EventKind) String() string {
	if s, ok := eventNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one bus message. Exactly one of Key/Value/Data is meaningful,
// depending on Kind.
type Event struct {
	Kind  EventKind
	Key   Key
	Long  bool
	Value int
	Data  any
}

// KeyEvent builds a key press or long-press event.
func KeyEvent(k Key, long bool) Event {
	if long {
		return Event{Kind: EventKeyLongPress, Key: k, Long: true}
	}
	return Event{Kind: EventKeyPress, Key: k}
}

// IsKey reports whether e carries a key press.
func (e Event) IsKey() bool {
	return e.Kind == EventKeyPress || e.Kind == EventKeyLongPress
}
