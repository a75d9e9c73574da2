package logging

import "go.uber.org/zap"

// Field helpers keep key names consistent across components.

func Plugin(name string) zap.Field       { return zap.String("plugin", name) }
func Package(name string) zap.Field      { return zap.String("package", name) }
func Event(name string) zap.Field        { return zap.String("event", name) }
func Handler(name string) zap.Field      { return zap.String("handler", name) }
func Driver(id string) zap.Field         { return zap.String("driver", id) }
func Connection(id string) zap.Field     { return zap.String("conn", id) }
func Fingerprint(fp string) zap.Field    { return zap.String("fingerprint", fp) }
func Object(name string) zap.Field       { return zap.String("object", name) }
func Cycle(nodes []string) zap.Field     { return zap.Strings("cycle", nodes) }
func BootOrder(order []string) zap.Field { return zap.Strings("order", order) }
