package bus

import "strings"

// matchAddress reports whether pattern matches address, where both are
// dot-separated hierarchies of the form
// "mq.<namespace>.<category>.<operation>[.<id>]" and pattern may use the
// single-level wildcard "+" and the multi-level wildcard "#", following the
// same semantics as MQTT topic filters but over "." instead of "/".
func matchAddress(pattern, address string) bool {
	if pattern == address {
		return true
	}

	patternLevels := strings.Split(pattern, ".")
	addressLevels := strings.Split(address, ".")

	return matchLevels(patternLevels, addressLevels)
}

func matchLevels(patternLevels, addressLevels []string) bool {
	pi, ai := 0, 0

	for pi < len(patternLevels) && ai < len(addressLevels) {
		level := patternLevels[pi]

		if level == "#" {
			return true
		}

		if level == "+" {
			pi++
			ai++
			continue
		}

		if level != addressLevels[ai] {
			return false
		}

		pi++
		ai++
	}

	if pi < len(patternLevels) {
		return len(patternLevels)-pi == 1 && patternLevels[pi] == "#"
	}

	return ai == len(addressLevels)
}

// Well-known address builders for the categories the core wires into the
// bus. Kept here rather than scattered across callers so the address shape
// has one home.

func ClientCmd(clientID string) string { return "mq.core.client.cmd." + clientID }
func ClientMsg(clientID string) string { return "mq.core.client.msg." + clientID }

const (
	ClusterSubscriptionAdd    = "mq.core.cluster.subscription.add"
	ClusterSubscriptionDelete = "mq.core.cluster.subscription.delete"
	ClusterClientStatus       = "mq.core.cluster.client.status"
)

func ClusterReplication(op string) string { return "mq.core.cluster.replication." + op }
func NodeMsg(nodeID string) string        { return "mq.core.node.msg." + nodeID }

const (
	SystemHealth   = "mq.core.system.health"
	SystemShutdown = "mq.core.system.shutdown"
)
