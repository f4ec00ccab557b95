package main

import (
	"context"
	"fmt"
	"sync"

	wrpc "github.com/wukong-cloud/wrpc-async"
	"github.com/wukong-cloud/wrpc-async/example/ledger/ledgerpb"
)

func main() {
	client := wrpc.NewClient(ledgerpb.ServiceName,
		wrpc.WithClientOptionAddr("127.0.0.1:9092"),
		wrpc.WithClientOptionMaxConn(2),
	)
	defer client.Close()
	ledger := ledgerpb.NewLedgerClient(client)

	accounts := []string{"rGenesis", "rAlice", "rBob", "rNobody"}
	var wg sync.WaitGroup
	for i, name := range accounts {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			meta := wrpc.Meta{}
			meta.Set(wrpc.ConsistentHashKey, name)
			ctx := wrpc.NewOutgoingContext(context.TODO(), meta)
			resp, err := ledger.AccountInfo(ctx, &ledgerpb.AccountInfoReq{Account: name})
			if err != nil {
				fmt.Println(i, name, err.Error())
				return
			}
			fmt.Println(i, resp.Account, resp.Balance, resp.Sequence)
		}(i, name)
	}
	wg.Wait()

	fee, err := ledger.Fee(context.TODO(), &ledgerpb.FeeReq{})
	if err != nil {
		fmt.Println(err.Error())
		return
	}
	fmt.Println("fee", fee.BaseFee, fee.MedianFee)
}
