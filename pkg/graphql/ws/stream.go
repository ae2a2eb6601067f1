package ws

import (
	"context"

	"github.com/rs/zerolog"
)

// OperationStream decodes the messages read from r onto the returned channel.
// The channel is closed when r fails, which any transport does once it is
// closed.
func OperationStream(ctx context.Context, r MessageReader, logger zerolog.Logger) <-chan *OperationMessage {
	outCh := make(chan *OperationMessage)

	go func() {
		defer close(outCh)

		for {
			_, data, err := r.ReadMessage()
			if err != nil {
				// any error from ReadMessage should be interpretted as the underlying
				// channel has failed
				logger.Debug().Err(err).Msg("[READ] failed read")
				return
			}

			op, err := Decode(data)
			if err != nil {
				logger.Warn().Err(err).Msg("[READ] invalid operation received")
				continue
			}

			select {
			case <-ctx.Done():
				logger.Debug().Err(ctx.Err()).Msg("[READ] context done")
				return
			case outCh <- op:
			}
		}
	}()

	return outCh
}
