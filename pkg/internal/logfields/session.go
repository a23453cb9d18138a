package logfields

import (
	"github.com/edgeworks/avc-agent/pkg/lwm2m"

	"github.com/sirupsen/logrus"
)

func Event(ev lwm2m.Event) logrus.Fields {
	return logrus.Fields{
		"event":   ev.Kind.String(),
		"detail":  ev.String(),
		"package": ev.Package.String(),
	}
}
