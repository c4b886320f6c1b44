package domain

// Webhook payload DTOs for the Cloud API callback format. The instance
// adapter translates its own wire format into the same shapes before
// ingestion, so the processor is provider-agnostic.

// WebhookUpdate is the top-level callback body.
type WebhookUpdate struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

type WebhookValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Contacts         []WebhookContact `json:"contacts"`
	Messages         []WebhookMessage `json:"messages"`
	Statuses         []WebhookStatus  `json:"statuses"`
}

type WebhookContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// WebhookMessage is one inbound message unit.
type WebhookMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text     *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image    *WebhookMedia `json:"image,omitempty"`
	Audio    *WebhookMedia `json:"audio,omitempty"`
	Video    *WebhookMedia `json:"video,omitempty"`
	Document *WebhookMedia `json:"document,omitempty"`
	Sticker  *WebhookMedia `json:"sticker,omitempty"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name,omitempty"`
	} `json:"location,omitempty"`
	Reaction *struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	} `json:"reaction,omitempty"`
	Context *struct {
		ID string `json:"id"`
	} `json:"context,omitempty"`
}

// WebhookMedia references provider-hosted media either by id (resolved via
// the media-lookup endpoint) or, on some providers, a direct URL.
type WebhookMedia struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Media returns the media reference for media-typed messages, nil otherwise.
func (m *WebhookMessage) Media() *WebhookMedia {
	switch m.Type {
	case "image":
		return m.Image
	case "audio":
		return m.Audio
	case "video":
		return m.Video
	case "document":
		return m.Document
	case "sticker":
		return m.Sticker
	}
	return nil
}

// WebhookStatus is one delivery-status callback unit.
type WebhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code      int    `json:"code"`
		Title     string `json:"title"`
		Message   string `json:"message"`
		ErrorData struct {
			Details string `json:"details"`
		} `json:"error_data"`
	} `json:"errors,omitempty"`
}
