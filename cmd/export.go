package cmd

import (
	"encoding/json"
	"fmt"
	"log"

	sw "github.com/filanov/stateswitch"
	"github.com/metal-toolbox/bootsmith/internal/bootcfg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/emicklei/dot"
)

type exportFlags struct {
	mermaid bool
	json    bool
}

var (
	exportFlagSet = &exportFlags{}
)

var cmdExportStatemachine = &cobra.Command{
	Use:   "export-statemachine [--json|--mermaid]",
	Short: "Export the boot configuration statemachine in mermaid or JSON format",
	Run: func(_ *cobra.Command, _ []string) {
		exportStatemachine()
	},
}

func asGraph(s *sw.StateMachineJSON) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	nodes := map[string]dot.Node{}

	for _, transition := range s.TransitionRules {
		_, exists := nodes[transition.DestinationState]
		if !exists {
			nodes[transition.DestinationState] = g.Node(transition.DestinationState)
		}

		for _, sourceState := range transition.SourceStates {
			_, exists := nodes[sourceState]
			if !exists {
				nodes[sourceState] = g.Node(sourceState)
			}

			g.Edge(nodes[sourceState], nodes[transition.DestinationState], transition.Name)
		}
	}

	return g
}

func exportStatemachine() {
	logger := logrus.New()

	machine := bootcfg.NewMachine(logger.WithField("cmd", "export"))

	j, err := machine.DescribeAsJSON()
	if err != nil {
		log.Fatal(err)
	}

	if exportFlagSet.json {
		fmt.Println(string(j))

		return
	}

	t := &sw.StateMachineJSON{}
	if err := json.Unmarshal(j, t); err != nil {
		log.Fatal(err)
	}

	fmt.Println(dot.MermaidGraph(asGraph(t), dot.MermaidTopDown))
}

func init() {
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.mermaid, "mermaid", "", true, "export statemachine in mermaid format")
	cmdExportStatemachine.PersistentFlags().BoolVarP(&exportFlagSet.json, "json", "", false, "export statemachine in the JSON format")

	rootCmd.AddCommand(cmdExportStatemachine)
}
