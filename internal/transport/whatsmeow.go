package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	qrCode "github.com/skip2/go-qrcode"
	"google.golang.org/protobuf/proto"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/wamux/wamux/pkg/env"
	"github.com/wamux/wamux/pkg/log"
)

const (
	qrChannelWaitTimeout = 2 * time.Minute
	logoutRequestTimeout = 30 * time.Second
	storeDeleteTimeout   = 5 * time.Second

	// eventBuffer bounds the per-session event channel. The registry drains
	// it continuously; the buffer only absorbs short consumer stalls.
	eventBuffer = 32
)

// WhatsmeowFactory builds WhatsApp-backed clients sharing one device
// datastore.
type WhatsmeowFactory struct {
	container *sqlstore.Container
	proxyURL  string
}

// NewWhatsmeowFactory opens the whatsmeow device datastore. The DSN defaults
// to the relay datastore so a single database serves both.
func NewWhatsmeowFactory(ctx context.Context) (*WhatsmeowFactory, error) {
	dsn := env.GetEnvStringOrDefault("TRANSPORT_DATASTORE_DSN", "")
	if dsn == "" {
		var err error
		dsn, err = env.GetEnvString("STORE_DSN")
		if err != nil {
			return nil, fmt.Errorf("parsing TRANSPORT_DATASTORE_DSN: %w", err)
		}
	}

	container, err := sqlstore.New(ctx, "postgres", dsn, nil)
	if err != nil {
		return nil, fmt.Errorf("opening device datastore: %w", err)
	}

	wstore.DeviceProps.Os = proto.String(runtime.GOOS)
	wstore.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()
	wstore.DeviceProps.RequireFullSync = proto.Bool(false)

	return &WhatsmeowFactory{
		container: container,
		proxyURL:  env.GetEnvStringOrDefault("TRANSPORT_CLIENT_PROXY_URL", ""),
	}, nil
}

// New builds a Client for one account. A stored address reattaches the
// persisted device record; a fresh account gets a new device and will go
// through QR pairing on Connect.
func (f *WhatsmeowFactory) New(ctx context.Context, accountID string, storedAddress string) (Client, error) {
	var device *wstore.Device
	if storedAddress != "" {
		jid, err := types.ParseJID(storedAddress)
		if err != nil {
			return nil, fmt.Errorf("parsing stored address %q: %w", storedAddress, err)
		}
		device, err = f.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, err
		}
	}
	if device == nil {
		device = f.container.NewDevice()
	}

	wm := whatsmeow.NewClient(device, nil)
	if f.proxyURL != "" {
		wm.SetProxyAddress(f.proxyURL)
	}
	wm.EnableAutoReconnect = true
	wm.AutoTrustIdentity = true

	c := &whatsmeowClient{
		accountID: accountID,
		wm:        wm,
		events:    make(chan Event, eventBuffer),
	}
	c.handlerID = wm.AddEventHandler(c.handleEvent)
	return c, nil
}

// whatsmeowClient adapts one whatsmeow.Client to the Client interface,
// translating its event callbacks onto a single ordered channel.
type whatsmeowClient struct {
	accountID string
	wm        *whatsmeow.Client
	handlerID uint32

	mu     sync.Mutex
	closed bool
	events chan Event
}

func (c *whatsmeowClient) Events() <-chan Event { return c.events }

// Connect establishes the session. An unpaired device opens the QR channel
// first so pairing codes are streamed as lifecycle events.
func (c *whatsmeowClient) Connect(ctx context.Context) error {
	if c.wm.Store.ID == nil {
		qrCtx, cancel := context.WithTimeout(ctx, qrChannelWaitTimeout)
		qrChan, err := c.wm.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return err
		}
		if err := c.wm.Connect(); err != nil {
			cancel()
			return err
		}
		go c.pumpQR(qrChan, cancel)
		return nil
	}
	return c.wm.Connect()
}

func (c *whatsmeowClient) pumpQR(qrChan <-chan whatsmeow.QRChannelItem, cancel context.CancelFunc) {
	defer cancel()
	for item := range qrChan {
		switch item.Event {
		case "code":
			png, err := qrCode.Encode(item.Code, qrCode.Medium, 256)
			if err != nil {
				log.Account(c.accountID).WithError(err).Error("encoding pairing qr failed")
				continue
			}
			c.emit(Event{
				Type:      EventQRReceived,
				QRPayload: "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
			})
		case whatsmeow.QRChannelSuccess.Event:
			// Pairing completed; events.Connected carries the ready signal.
			return
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(Event{Type: EventDisconnected, Reason: "pairing window expired"})
			return
		case whatsmeow.QRChannelClientOutdated.Event:
			c.emit(Event{Type: EventAuthFailure, Reason: "client version outdated for pairing"})
			return
		case "error":
			reason := "pairing failed"
			if item.Error != nil {
				reason = item.Error.Error()
			}
			c.emit(Event{Type: EventAuthFailure, Reason: reason})
			return
		}
	}
}

func (c *whatsmeowClient) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.PairSuccess:
		c.emit(Event{Type: EventAuthenticated})
	case *events.PairError:
		reason := "pairing rejected"
		if e.Error != nil {
			reason = e.Error.Error()
		}
		c.emit(Event{Type: EventAuthFailure, Reason: reason})
	case *events.Connected:
		if id := c.wm.Store.ID; id != nil {
			c.emit(Event{Type: EventReady, Address: id.User + "@" + types.DefaultUserServer})
		}
	case *events.LoggedOut:
		c.emit(Event{Type: EventAuthFailure, Reason: fmt.Sprintf("logged out: %v", e.Reason)})
	case *events.StreamReplaced:
		c.emit(Event{Type: EventDisconnected, Reason: "stream replaced by another session"})
	case *events.Disconnected:
		c.emit(Event{Type: EventDisconnected, Reason: "connection lost"})
	case *events.ConnectFailure:
		c.emit(Event{Type: EventDisconnected, Reason: fmt.Sprintf("connect failure: %v", e.Reason)})
	case *events.Message:
		c.handleMessage(e)
	}
}

func (c *whatsmeowClient) handleMessage(e *events.Message) {
	if e.Info.IsFromMe {
		return
	}
	// Revokes carry no content worth relaying.
	if pm := e.Message.GetProtocolMessage(); pm != nil && pm.GetType() == waE2E.ProtocolMessage_REVOKE {
		return
	}

	body, kind := messageBody(e.Message)
	recipient := ""
	if id := c.wm.Store.ID; id != nil {
		recipient = id.User + "@" + types.DefaultUserServer
	}
	c.emit(Event{
		Type: EventMessage,
		Message: &Inbound{
			MessageID: e.Info.ID,
			Sender:    e.Info.Sender.String(),
			Recipient: recipient,
			Body:      body,
			Kind:      kind,
			ChatID:    e.Info.Chat.String(),
			IsGroup:   e.Info.IsGroup,
			Timestamp: e.Info.Timestamp,
		},
	})
}

func messageBody(msg *waE2E.Message) (string, string) {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation(), string(PayloadText)
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText(), string(PayloadText)
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption(), string(PayloadImage)
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetFileName(), string(PayloadDocument)
	}
	return "", "unsupported"
}

// emit is non-blocking; a full channel drops the event rather than stalling
// the transport's callback goroutine.
func (c *whatsmeowClient) emit(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Account(c.accountID).WithField("event", string(ev.Type)).Warn("event buffer full, dropping event")
	}
}

func (c *whatsmeowClient) Healthy() bool {
	return c.wm.IsConnected() && c.wm.IsLoggedIn()
}

func (c *whatsmeowClient) Send(ctx context.Context, destination string, payload Payload) (SendResult, error) {
	jid, err := types.ParseJID(destination)
	if err != nil {
		return SendResult{}, fmt.Errorf("parsing destination %q: %w", destination, err)
	}

	var content *waE2E.Message
	switch payload.Kind {
	case PayloadText:
		content = &waE2E.Message{Conversation: proto.String(payload.Text)}
	case PayloadImage:
		content, err = c.buildImageMessage(ctx, payload)
	case PayloadDocument:
		content, err = c.buildDocumentMessage(ctx, payload)
	default:
		return SendResult{}, fmt.Errorf("unsupported payload kind %q", payload.Kind)
	}
	if err != nil {
		return SendResult{}, err
	}

	extra := whatsmeow.SendRequestExtra{ID: c.wm.GenerateMessageID()}
	resp, err := c.wm.SendMessage(ctx, jid, content, extra)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: extra.ID, Timestamp: resp.Timestamp}, nil
}

func (c *whatsmeowClient) buildImageMessage(ctx context.Context, payload Payload) (*waE2E.Message, error) {
	uploaded, err := c.wm.Upload(ctx, payload.Media, whatsmeow.MediaImage)
	if err != nil {
		return nil, fmt.Errorf("uploading image: %w", err)
	}

	img := &waE2E.ImageMessage{
		URL:           proto.String(uploaded.URL),
		DirectPath:    proto.String(uploaded.DirectPath),
		Mimetype:      proto.String(payload.MimeType),
		Caption:       proto.String(payload.Caption),
		FileLength:    proto.Uint64(uploaded.FileLength),
		FileSHA256:    uploaded.FileSHA256,
		FileEncSHA256: uploaded.FileEncSHA256,
		MediaKey:      uploaded.MediaKey,
	}
	if len(payload.Thumbnail) > 0 {
		thumbUploaded, err := c.wm.Upload(ctx, payload.Thumbnail, whatsmeow.MediaLinkThumbnail)
		if err == nil {
			img.JPEGThumbnail = payload.Thumbnail
			img.ThumbnailDirectPath = &thumbUploaded.DirectPath
			img.ThumbnailSHA256 = thumbUploaded.FileSHA256
			img.ThumbnailEncSHA256 = thumbUploaded.FileEncSHA256
		}
	}
	return &waE2E.Message{ImageMessage: img}, nil
}

func (c *whatsmeowClient) buildDocumentMessage(ctx context.Context, payload Payload) (*waE2E.Message, error) {
	uploaded, err := c.wm.Upload(ctx, payload.Media, whatsmeow.MediaDocument)
	if err != nil {
		return nil, fmt.Errorf("uploading document: %w", err)
	}
	return &waE2E.Message{
		DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(uploaded.URL),
			DirectPath:    proto.String(uploaded.DirectPath),
			Mimetype:      proto.String(payload.MimeType),
			FileName:      proto.String(payload.FileName),
			FileLength:    proto.Uint64(uploaded.FileLength),
			FileSHA256:    uploaded.FileSHA256,
			FileEncSHA256: uploaded.FileEncSHA256,
			MediaKey:      uploaded.MediaKey,
		},
	}, nil
}

// Destroy tears the session down: logout when paired (falling back to a
// local device-record delete), then disconnect and close the event stream.
func (c *whatsmeowClient) Destroy(ctx context.Context) error {
	var teardownErr error
	if c.wm.Store.ID != nil {
		logoutCtx, cancel := context.WithTimeout(ctx, logoutRequestTimeout)
		err := c.wm.Logout(logoutCtx)
		cancel()
		if err != nil && !errors.Is(err, whatsmeow.ErrNotLoggedIn) {
			deleteCtx, cancel := context.WithTimeout(context.Background(), storeDeleteTimeout)
			teardownErr = c.wm.Store.Delete(deleteCtx)
			cancel()
		}
	}

	c.wm.RemoveEventHandler(c.handlerID)
	c.wm.Disconnect()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	c.mu.Unlock()

	return teardownErr
}
