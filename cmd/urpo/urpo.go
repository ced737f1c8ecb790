/*
Copyright 2025 The Urpo Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	goflag "flag"

	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/yairfalse/urpo/cmd/urpo/app"
	"github.com/yairfalse/urpo/cmd/urpo/app/options"
	"github.com/yairfalse/urpo/pkg/version"
)

func main() {
	config := options.NewUrpoConfig()
	config.AddFlags(pflag.CommandLine)

	klog.InitFlags(nil)
	pflag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	pflag.Parse()
	defer klog.Flush()

	version.PrintAndExitIfRequested()
	klog.V(0).Infof("version: %v", version.VERSION)

	if err := config.Validate(); err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}

	server, err := app.NewUrpoServer(config)
	if err != nil {
		klog.Fatalf("Failed to build server: %v", err)
	}
	if err := server.Run(); err != nil {
		klog.Fatalf("Server exited: %v", err)
	}
}
