package publish

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
)

// NewInterNodeHandler mounts the server side of remote.go's PUT
// http://{node}/notif/{uaid} call: 200 if a live session accepted the
// notification, 404 if no session for uaid is registered on this node.
func NewInterNodeHandler(r *mux.Router, registry Registry) {
	r.HandleFunc("/notif/{uaid}", func(w http.ResponseWriter, r *http.Request) {
		uaid, err := deviceid.Parse(mux.Vars(r)["uaid"])
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var wire wireNotification
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		sess, ok := registry.Get(uaid)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		chid, err := deviceid.Parse(wire.ChannelID)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		notif := &model.Notification{
			ChannelID:  chid,
			Version:    wire.Version,
			TTLSeconds: wire.TTLSeconds,
			Topic:      wire.Topic,
			Data:       wire.Data,
			ReceivedAt: wire.ReceivedAt,
			Headers: model.Headers{
				Encoding:      wire.Headers["encoding"],
				Encryption:    wire.Headers["encryption"],
				CryptoKey:     wire.Headers["crypto_key"],
				EncryptionKey: wire.Headers["encryption_key"],
			},
		}

		if err := sess.Notify(notif); err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodPut)
}
