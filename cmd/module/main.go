package main

import (
	"harvester"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: sensor.API, Model: harvester.SupervisorModel},
		resource.APIModel{API: discovery.API, Model: harvester.DiscoveryModel},
	)
}
