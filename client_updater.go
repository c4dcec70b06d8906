package daqring

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest acquisition state.

import (
	"encoding/json"
	"fmt"

	"github.com/pebbe/zmq4"
	"go.uber.org/zap"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state any
}

// clientMessageChan collects updates from anywhere in the package for RunClientUpdater.
var clientMessageChan = make(chan ClientUpdate, 64)

// sendClientUpdate queues a message for clients. If the queue is full (for example,
// no updater is running) the message is dropped rather than blocking the caller.
func sendClientUpdate(tag string, state any) {
	select {
	case clientMessageChan <- ClientUpdate{tag: tag, state: state}:
	default:
		UpdateLogger.Debug("[client] update queue full, dropping message", zap.String("tag", tag))
	}
}

// encode returns the two message frames: the tag and the JSON-encoded state.
func (update ClientUpdate) encode() ([]byte, []byte, error) {
	message, err := json.Marshal(update.state)
	if err != nil {
		return nil, nil, err
	}
	return []byte(update.tag), message, nil
}

// RunClientUpdater forwards any message from the package's update queue to a ZMQ PUB
// socket, to publish any information that clients need to know. It returns when abort
// is closed.
func RunClientUpdater(statusport int, abort <-chan struct{}) error {
	hostname := fmt.Sprintf("tcp://*:%d", statusport)
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		return err
	}

	for {
		select {
		case <-abort:
			return nil
		case update := <-clientMessageChan:
			tag, message, err := update.encode()
			if err != nil {
				ProblemLogger.Warn("[client] cannot encode update", zap.String("tag", update.tag), zap.Error(err))
				continue
			}
			if _, err := pubSocket.SendMessage(tag, message); err != nil {
				ProblemLogger.Warn("[client] cannot publish update", zap.String("tag", update.tag), zap.Error(err))
				continue
			}
			UpdateLogger.Info("[client] update", zap.String("tag", update.tag), zap.ByteString("state", message))
		}
	}
}
