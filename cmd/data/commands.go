package data

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/dRep/cmd/util"
	"github.com/spf13/cobra"
)

var (
	newCollectionCmd = &cobra.Command{
		Use:   "new-collection [name]",
		Short: "Creates a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := rpcClient.NewCollection(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("collection `%s` created with id %d\n", args[0], id)
			return nil
		},
	}
	delCollectionCmd = &cobra.Command{
		Use:   "del-collection [collection]",
		Short: "Removes a collection and all of its things",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcClient.DelCollection(args[0]); err != nil {
				return err
			}
			fmt.Printf("collection `%s` deleted\n", args[0])
			return nil
		},
	}
	newCmd = &cobra.Command{
		Use:   "new [collection] [thing] [key=value...]",
		Short: "Creates a thing with the given fields",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, thing, err := target(args)
			if err != nil {
				return err
			}
			fields, err := util.ParseFields(args[2:])
			if err != nil {
				return err
			}
			id, err := rpcClient.NewThing(collection, thing, fields)
			if err != nil {
				return err
			}
			fmt.Printf("thing %d created with change %d\n", thing, id)
			return nil
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [collection] [thing] [key=value...]",
		Short: "Sets fields of a thing",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, thing, err := target(args)
			if err != nil {
				return err
			}
			fields, err := util.ParseFields(args[2:])
			if err != nil {
				return err
			}
			id, err := rpcClient.Set(collection, thing, fields)
			if err != nil {
				return err
			}
			fmt.Printf("set with change %d\n", id)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [collection] [thing] [key...]",
		Short: "Deletes fields of a thing, or the whole thing when no key is given",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			collection, thing, err := target(args)
			if err != nil {
				return err
			}
			id, err := rpcClient.Del(collection, thing, args[2:]...)
			if err != nil {
				return err
			}
			fmt.Printf("deleted with change %d\n", id)
			return nil
		},
	}
)

// target resolves the collection and thing arguments
func target(args []string) (uint64, uint64, error) {
	collection, err := rpcClient.Collection(args[0])
	if err != nil {
		return 0, 0, err
	}
	thing, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("thing must be a number: %w", err)
	}
	return collection, thing, nil
}
